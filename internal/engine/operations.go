package engine

import (
	"context"
	"fmt"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	"StableLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Operation kinds, used as metric labels, idempotency namespaces and
// command subjects.
const (
	OpDeposit        = "deposit"
	OpMint           = "mint"
	OpRedeem         = "redeem"
	OpBurn           = "burn"
	OpDepositAndMint = "deposit_and_mint"
	OpRedeemAndBurn  = "redeem_and_burn"
	OpLiquidate      = "liquidate"
)

var opEventTypes = map[string]event.EventType{
	OpDeposit:        event.EventTypeCollateralDeposited,
	OpMint:           event.EventTypeDebtMinted,
	OpRedeem:         event.EventTypeCollateralRedeemed,
	OpBurn:           event.EventTypeDebtBurned,
	OpDepositAndMint: event.EventTypeDepositedAndMinted,
	OpRedeemAndBurn:  event.EventTypeRedeemedAndBurned,
	OpLiquidate:      event.EventTypeLiquidated,
}

// EventTypeOf returns the event type committed by an operation kind.
func EventTypeOf(op string) (event.EventType, bool) {
	et, ok := opEventTypes[op]
	return et, ok
}

func requireAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

func requireAccount(a common.Address) error {
	if a == (common.Address{}) {
		return ErrZeroAddress
	}
	return nil
}

func (e *PositionEngine) collateralPort(asset common.Address) (token.TransferPort, error) {
	if !e.registry.IsSupported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	port, ok := e.ports.Collateral(asset)
	if !ok {
		return nil, fmt.Errorf("%w: no transfer port for %s", ErrConfiguration, asset.Hex())
	}
	return port, nil
}

// rejected records a failure detected before execute and returns it.
func (e *PositionEngine) rejected(kind string, err error) (Receipt, error) {
	e.recordRejected(kind, err)
	return Receipt{}, err
}

// requireHealthy fails with a *HealthFactorError when user's staged position
// has debt and a health factor below the minimum.
func (e *PositionEngine) requireHealthy(ctx context.Context, txn *ledger.Txn, user common.Address) error {
	pos := txn.Position(user, e.registry.AllAssets())
	if pos.Debt.IsZero() {
		return nil
	}
	health, err := e.valuator.Assess(ctx, pos)
	if err != nil {
		return classifyValuation(err)
	}
	if !health.Healthy() {
		return &HealthFactorError{User: user, HealthFactor: health.HealthFactor}
	}
	return nil
}

// DepositCollateral pulls amount of asset from user and credits it as collateral.
func (e *PositionEngine) DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpDeposit, err)
	}
	if err := requireAmount(amount); err != nil {
		return e.rejected(OpDeposit, err)
	}
	port, err := e.collateralPort(asset)
	if err != nil {
		return e.rejected(OpDeposit, err)
	}

	return e.execute(ctx, operation{
		kind:     OpDeposit,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Collateral().Deposit(user, asset, amount); err != nil {
				return nil, classify(err)
			}
			return &event.CollateralDeposited{
				OpID:   txn.EventRef(),
				User:   user,
				Asset:  asset,
				Amount: amount.Clone(),
			}, nil
		},
		transfers: func() []transferStep {
			return []transferStep{pullStep(port, asset, user, e.cfg.Address, amount)}
		},
	})
}

// MintDebt issues amount of debt token to user if the position stays healthy.
func (e *PositionEngine) MintDebt(ctx context.Context, user common.Address, amount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpMint, err)
	}
	if err := requireAmount(amount); err != nil {
		return e.rejected(OpMint, err)
	}
	debtPort := e.ports.Debt()

	return e.execute(ctx, operation{
		kind:     OpMint,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Debts().Mint(user, amount); err != nil {
				return nil, classify(err)
			}
			return &event.DebtMinted{
				OpID:   txn.EventRef(),
				User:   user,
				Amount: amount.Clone(),
			}, nil
		},
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			return e.requireHealthy(ctx, txn, user)
		},
		transfers: func() []transferStep {
			return []transferStep{mintStep(debtPort, user, e.cfg.Address, amount)}
		},
	})
}

// RedeemCollateral returns amount of asset to user if the position stays healthy.
func (e *PositionEngine) RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpRedeem, err)
	}
	if err := requireAmount(amount); err != nil {
		return e.rejected(OpRedeem, err)
	}
	port, err := e.collateralPort(asset)
	if err != nil {
		return e.rejected(OpRedeem, err)
	}

	return e.execute(ctx, operation{
		kind:     OpRedeem,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Collateral().Withdraw(user, user, asset, amount); err != nil {
				return nil, classify(err)
			}
			return &event.CollateralRedeemed{
				OpID:   txn.EventRef(),
				From:   user,
				To:     user,
				Asset:  asset,
				Amount: amount.Clone(),
			}, nil
		},
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			return e.requireHealthy(ctx, txn, user)
		},
		transfers: func() []transferStep {
			return []transferStep{pushStep(port, asset, user, e.cfg.Address, amount)}
		},
	})
}

// BurnDebt pulls amount of debt token from user, burns it and reduces the user's debt.
func (e *PositionEngine) BurnDebt(ctx context.Context, user common.Address, amount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpBurn, err)
	}
	if err := requireAmount(amount); err != nil {
		return e.rejected(OpBurn, err)
	}
	debtPort := e.ports.Debt()

	return e.execute(ctx, operation{
		kind:     OpBurn,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Debts().Burn(user, user, amount); err != nil {
				return nil, classify(err)
			}
			return &event.DebtBurned{
				OpID:       txn.EventRef(),
				OnBehalfOf: user,
				Payer:      user,
				Amount:     amount.Clone(),
			}, nil
		},
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			return e.requireHealthy(ctx, txn, user)
		},
		transfers: func() []transferStep {
			return []transferStep{
				pullStep(debtPort, e.ports.DebtToken(), user, e.cfg.Address, amount),
				burnStep(debtPort, e.cfg.Address, amount),
			}
		},
	})
}

// DepositAndMint deposits collateral and mints debt in one atomic call.
func (e *PositionEngine) DepositAndMint(ctx context.Context, user, asset common.Address, depositAmount, mintAmount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpDepositAndMint, err)
	}
	if err := requireAmount(depositAmount); err != nil {
		return e.rejected(OpDepositAndMint, err)
	}
	if err := requireAmount(mintAmount); err != nil {
		return e.rejected(OpDepositAndMint, err)
	}
	port, err := e.collateralPort(asset)
	if err != nil {
		return e.rejected(OpDepositAndMint, err)
	}
	debtPort := e.ports.Debt()

	return e.execute(ctx, operation{
		kind:     OpDepositAndMint,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Collateral().Deposit(user, asset, depositAmount); err != nil {
				return nil, classify(err)
			}
			if err := txn.Debts().Mint(user, mintAmount); err != nil {
				return nil, classify(err)
			}
			return &event.DepositedAndMinted{
				OpID:             txn.EventRef(),
				User:             user,
				Asset:            asset,
				CollateralAmount: depositAmount.Clone(),
				DebtAmount:       mintAmount.Clone(),
			}, nil
		},
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			return e.requireHealthy(ctx, txn, user)
		},
		transfers: func() []transferStep {
			return []transferStep{
				pullStep(port, asset, user, e.cfg.Address, depositAmount),
				mintStep(debtPort, user, e.cfg.Address, mintAmount),
			}
		},
	})
}

// RedeemAndBurn burns debt and then redeems collateral in one atomic call.
func (e *PositionEngine) RedeemAndBurn(ctx context.Context, user, asset common.Address, redeemAmount, burnAmount *uint256.Int) (Receipt, error) {
	if err := requireAccount(user); err != nil {
		return e.rejected(OpRedeemAndBurn, err)
	}
	if err := requireAmount(redeemAmount); err != nil {
		return e.rejected(OpRedeemAndBurn, err)
	}
	if err := requireAmount(burnAmount); err != nil {
		return e.rejected(OpRedeemAndBurn, err)
	}
	port, err := e.collateralPort(asset)
	if err != nil {
		return e.rejected(OpRedeemAndBurn, err)
	}
	debtPort := e.ports.Debt()

	return e.execute(ctx, operation{
		kind:     OpRedeemAndBurn,
		accounts: []common.Address{user},
		stage: func(_ context.Context, txn *ledger.Txn) (event.Event, error) {
			if err := txn.Debts().Burn(user, user, burnAmount); err != nil {
				return nil, classify(err)
			}
			if err := txn.Collateral().Withdraw(user, user, asset, redeemAmount); err != nil {
				return nil, classify(err)
			}
			return &event.RedeemedAndBurned{
				OpID:             txn.EventRef(),
				User:             user,
				Asset:            asset,
				CollateralAmount: redeemAmount.Clone(),
				DebtAmount:       burnAmount.Clone(),
			}, nil
		},
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			return e.requireHealthy(ctx, txn, user)
		},
		transfers: func() []transferStep {
			return []transferStep{
				pullStep(debtPort, e.ports.DebtToken(), user, e.cfg.Address, burnAmount),
				burnStep(debtPort, e.cfg.Address, burnAmount),
				pushStep(port, asset, user, e.cfg.Address, redeemAmount),
			}
		},
	})
}
