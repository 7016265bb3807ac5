package ledger

import (
	"errors"
	"fmt"
	"sync"

	fpmath "StableLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrDebtUnderflow          = errors.New("debt underflow")
	ErrReadOnly               = errors.New("ledger view is read-only")
	ErrTxnClosed              = errors.New("ledger transaction already closed")
	ErrSequenceGap            = errors.New("batch out of sequence")
)

// Store holds committed collateral and debt balances.
// Only user and system accounts carry balances; external accounts are
// counterparties recorded in journals.
type Store struct {
	mu        sync.RWMutex
	debtToken common.Address
	balances  map[AccountKey]*uint256.Int
	sequence  int64
	stateHash [32]byte
}

func NewStore(debtToken common.Address) *Store {
	return &Store{
		debtToken: debtToken,
		balances:  make(map[AccountKey]*uint256.Int),
	}
}

func (s *Store) DebtToken() common.Address { return s.debtToken }

// Sequence returns the sequence of the last committed batch.
func (s *Store) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// StateHash returns the state hash recorded with the last committed batch.
func (s *Store) StateHash() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateHash
}

// GetBalance returns a copy of the committed balance for key
func (s *Store) GetBalance(key AccountKey) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(key).Clone()
}

func (s *Store) balanceLocked(key AccountKey) *uint256.Int {
	if b, ok := s.balances[key]; ok {
		return b
	}
	return new(uint256.Int)
}

// Position is a consistent view of one user's balances.
type Position struct {
	User       common.Address
	Collateral map[common.Address]*uint256.Int
	Debt       *uint256.Int
}

// CollateralOf returns the amount of asset in the position, zero if absent.
func (p Position) CollateralOf(asset common.Address) *uint256.Int {
	if a, ok := p.Collateral[asset]; ok {
		return a
	}
	return new(uint256.Int)
}

// Position reads the user's debt and the listed collateral balances under one read lock.
func (s *Store) Position(user common.Address, assets []common.Address) Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return positionOf(user, assets, s.debtToken, func(k AccountKey) *uint256.Int {
		return s.balanceLocked(k).Clone()
	})
}

func positionOf(user common.Address, assets []common.Address, debtToken common.Address, get func(AccountKey) *uint256.Int) Position {
	p := Position{
		User:       user,
		Collateral: make(map[common.Address]*uint256.Int, len(assets)),
		Debt:       get(NewUserAccountKey(user, SubTypeDebt, debtToken)),
	}
	for _, a := range assets {
		p.Collateral[a] = get(NewUserAccountKey(user, SubTypeCollateral, a))
	}
	return p
}

// TotalCollateral returns the protocol custody of asset.
func (s *Store) TotalCollateral(asset common.Address) *uint256.Int {
	return s.GetBalance(NewSystemAccountKey(SubTypeSystemCustody, asset))
}

// TotalDebt returns the outstanding debt of all users.
func (s *Store) TotalDebt() *uint256.Int {
	return s.GetBalance(NewSystemAccountKey(SubTypeSystemDebtSupply, s.debtToken))
}

// Collateral returns a read-only view of committed collateral balances.
func (s *Store) Collateral() CollateralLedger {
	return CollateralLedger{get: s.GetBalance}
}

// Debts returns a read-only view of committed debt balances.
func (s *Store) Debts() DebtLedger {
	return DebtLedger{get: s.GetBalance, debtToken: s.debtToken}
}

// Stage opens a transaction whose effects stay invisible until Commit.
func (s *Store) Stage(eventRef string, timestamp int64) *Txn {
	return &Txn{
		store:     s,
		batchID:   uuid.New(),
		eventRef:  eventRef,
		timestamp: timestamp,
		writes:    make(map[AccountKey]*uint256.Int),
	}
}

// SealFunc derives the state hash of a batch from the balances it left
// behind. It runs under the store's write lock and must not call back into it.
type SealFunc func(batch *Batch, balanceOf func(AccountKey) *uint256.Int) [32]byte

// Commit applies txn atomically as sequence seq. seal, if non-nil, computes
// the state hash recorded as the new tip. The returned batch carries seq.
func (s *Store) Commit(txn *Txn, seq int64, seal SealFunc) (*Batch, error) {
	if txn.closed {
		return nil, ErrTxnClosed
	}
	batch := txn.batch(seq)
	if err := s.apply(batch, seal, false); err != nil {
		return nil, err
	}
	txn.closed = true
	return batch, nil
}

// ApplyBatch replays an already committed batch, used during recovery.
// Batches must arrive in sequence without gaps.
func (s *Store) ApplyBatch(batch *Batch, seal SealFunc) error {
	return s.apply(batch, seal, true)
}

func (s *Store) apply(batch *Batch, seal SealFunc, contiguous bool) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if contiguous && batch.Sequence != s.sequence+1 {
		return fmt.Errorf("%w: batch %d after tip %d", ErrSequenceGap, batch.Sequence, s.sequence)
	}

	next, err := s.resolveLocked(batch.Journals)
	if err != nil {
		return err
	}
	for k, v := range next {
		s.balances[k] = v
	}
	s.sequence = batch.Sequence
	if seal != nil {
		s.stateHash = seal(batch, func(k AccountKey) *uint256.Int {
			return s.balanceLocked(k).Clone()
		})
	}
	return nil
}

// resolveLocked computes the balances touched by journals without writing them.
func (s *Store) resolveLocked(journals []Journal) (map[AccountKey]*uint256.Int, error) {
	next := make(map[AccountKey]*uint256.Int)
	get := func(k AccountKey) *uint256.Int {
		if v, ok := next[k]; ok {
			return v
		}
		return s.balanceLocked(k)
	}
	for _, j := range journals {
		if err := applyJournal(j, get, func(k AccountKey, v *uint256.Int) { next[k] = v }); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// applyJournal moves j.Amount into the debit account and out of the credit
// account. Each user-side movement is mirrored on its system aggregate.
func applyJournal(j Journal, get func(AccountKey) *uint256.Int, set func(AccountKey, *uint256.Int)) error {
	credit := func(k AccountKey) error {
		if k.Scope == AccountScopeExternal {
			return nil
		}
		bal, underflow := fpmath.Sub(get(k), j.Amount)
		if underflow {
			if k.SubType == SubTypeDebt || k.SubType == SubTypeSystemDebtSupply {
				return fmt.Errorf("%w: %s", ErrDebtUnderflow, k.AccountPath())
			}
			return fmt.Errorf("%w: %s", ErrInsufficientCollateral, k.AccountPath())
		}
		set(k, bal)
		return nil
	}
	debit := func(k AccountKey) error {
		if k.Scope == AccountScopeExternal {
			return nil
		}
		bal, err := fpmath.Add(get(k), j.Amount)
		if err != nil {
			return fmt.Errorf("%w: %s", err, k.AccountPath())
		}
		set(k, bal)
		return nil
	}

	for _, side := range []struct {
		key AccountKey
		op  func(AccountKey) error
	}{{j.CreditAccount, credit}, {j.DebitAccount, debit}} {
		if err := side.op(side.key); err != nil {
			return err
		}
		if agg, ok := side.key.aggregate(); ok {
			if err := side.op(agg); err != nil {
				return err
			}
		}
	}
	return nil
}
