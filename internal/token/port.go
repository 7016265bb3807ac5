// Package token defines the fungible-token capability the engine drives
// and an in-memory token that implements it.
package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TransferPort moves one fungible asset on behalf of a fixed caller.
// A false result is a failure just like a non-nil error.
type TransferPort interface {
	// TransferFrom moves amount from payer to to, spending the caller's allowance.
	TransferFrom(ctx context.Context, payer, to common.Address, amount *uint256.Int) (bool, error)
	// Transfer moves amount from the caller to to.
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
	// Mint creates amount for to. Only the token owner may mint.
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
	// Burn destroys amount from the caller's balance.
	Burn(ctx context.Context, amount *uint256.Int) error
}

// Ports resolves the transfer port for each asset the engine touches.
type Ports interface {
	Collateral(asset common.Address) (TransferPort, bool)
	Debt() TransferPort
	DebtToken() common.Address
}

// PortSet is a static Ports implementation.
type PortSet struct {
	collateral map[common.Address]TransferPort
	debt       TransferPort
	debtToken  common.Address
}

func NewPortSet(debtToken common.Address, debt TransferPort) *PortSet {
	return &PortSet{
		collateral: make(map[common.Address]TransferPort),
		debt:       debt,
		debtToken:  debtToken,
	}
}

// AddCollateral registers the port of a collateral asset.
func (p *PortSet) AddCollateral(asset common.Address, port TransferPort) *PortSet {
	p.collateral[asset] = port
	return p
}

func (p *PortSet) Collateral(asset common.Address) (TransferPort, bool) {
	port, ok := p.collateral[asset]
	return port, ok
}

func (p *PortSet) Debt() TransferPort { return p.debt }

func (p *PortSet) DebtToken() common.Address { return p.debtToken }
