package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotOwner              = errors.New("token: caller is not the owner")
	ErrSupplyOverflow        = errors.New("token: supply overflow")
)

// Op names a TransferPort method for fault injection.
type Op string

const (
	OpTransferFrom Op = "transferFrom"
	OpTransfer     Op = "transfer"
	OpMint         Op = "mint"
	OpBurn         Op = "burn"
)

type fault struct {
	remaining int
	err       error
}

// Token is an in-memory fungible token with balances, allowances and
// owner-only minting.
type Token struct {
	mu         sync.Mutex
	symbol     string
	owner      common.Address
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	faults     map[Op]*fault
}

func New(symbol string, owner common.Address) *Token {
	return &Token{
		symbol:     symbol,
		owner:      owner,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		faults:     make(map[Op]*fault),
	}
}

func (t *Token) Symbol() string { return t.symbol }

// TransferOwnership hands minting rights to newOwner.
func (t *Token) TransferOwnership(newOwner common.Address) {
	t.mu.Lock()
	t.owner = newOwner
	t.mu.Unlock()
}

// Credit creates amount for account outside of the owner check.
// Used to fund wallets in development setups and tests.
func (t *Token) Credit(account common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mintLocked(account, amount)
}

// Approve lets spender move up to amount of owner's balance.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount.Clone()
}

func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(account).Clone()
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

func (t *Token) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply.Clone()
}

// FailNext makes the next n calls of op fail. A nil err makes the call
// report false instead of returning an error (Burn always returns an error).
func (t *Token) FailNext(op Op, n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[op] = &fault{remaining: n, err: err}
}

// Port returns a TransferPort that acts as caller.
func (t *Token) Port(caller common.Address) *Port {
	return &Port{token: t, caller: caller}
}

func (t *Token) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := t.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

// injected reports whether op should fail now. Caller holds t.mu.
func (t *Token) injected(op Op) (bool, error) {
	f, ok := t.faults[op]
	if !ok || f.remaining <= 0 {
		return false, nil
	}
	f.remaining--
	if f.remaining == 0 {
		delete(t.faults, op)
	}
	return true, f.err
}

func (t *Token) moveLocked(from, to common.Address, amount *uint256.Int) error {
	bal := t.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) mintLocked(to common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	t.supply = supply
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

// Port is a Token bound to a calling account.
type Port struct {
	token  *Token
	caller common.Address
}

var _ TransferPort = (*Port)(nil)

func (p *Port) TransferFrom(_ context.Context, payer, to common.Address, amount *uint256.Int) (bool, error) {
	t := p.token
	t.mu.Lock()
	defer t.mu.Unlock()

	if fail, err := t.injected(OpTransferFrom); fail {
		return false, err
	}

	allowance := t.allowances[payer][p.caller]
	if allowance == nil || allowance.Lt(amount) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInsufficientAllowance, payer.Hex(), p.caller.Hex())
	}
	if err := t.moveLocked(payer, to, amount); err != nil {
		return false, err
	}
	t.allowances[payer][p.caller] = new(uint256.Int).Sub(allowance, amount)
	return true, nil
}

func (p *Port) Transfer(_ context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	t := p.token
	t.mu.Lock()
	defer t.mu.Unlock()

	if fail, err := t.injected(OpTransfer); fail {
		return false, err
	}
	if err := t.moveLocked(p.caller, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Port) Mint(_ context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	t := p.token
	t.mu.Lock()
	defer t.mu.Unlock()

	if fail, err := t.injected(OpMint); fail {
		return false, err
	}
	if p.caller != t.owner {
		return false, ErrNotOwner
	}
	if err := t.mintLocked(to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Port) Burn(_ context.Context, amount *uint256.Int) error {
	t := p.token
	t.mu.Lock()
	defer t.mu.Unlock()

	if fail, err := t.injected(OpBurn); fail {
		if err == nil {
			err = fmt.Errorf("token: burn rejected")
		}
		return err
	}
	bal := t.balanceLocked(p.caller)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, p.caller.Hex(), bal.Dec(), amount.Dec())
	}
	t.balances[p.caller] = new(uint256.Int).Sub(bal, amount)
	t.supply = new(uint256.Int).Sub(t.supply, amount)
	return nil
}
