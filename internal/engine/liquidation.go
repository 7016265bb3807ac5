package engine

import (
	"context"
	"fmt"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/risk"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Liquidate lets liquidator repay debtToCover of user's debt with its own debt
// tokens and receive the equivalent collateral of asset plus the bonus.
//
// The user must be below the minimum health factor, the liquidation must
// strictly improve it, and the liquidator must stay healthy.
func (e *PositionEngine) Liquidate(ctx context.Context, liquidator, user, asset common.Address, debtToCover *uint256.Int) (Receipt, error) {
	if err := requireAccount(liquidator); err != nil {
		return e.rejected(OpLiquidate, err)
	}
	if err := requireAccount(user); err != nil {
		return e.rejected(OpLiquidate, err)
	}
	if err := requireAmount(debtToCover); err != nil {
		return e.rejected(OpLiquidate, err)
	}
	port, err := e.collateralPort(asset)
	if err != nil {
		return e.rejected(OpLiquidate, err)
	}
	debtPort := e.ports.Debt()

	var (
		evt    *event.Liquidated
		before risk.AccountHealth
	)
	receipt, err := e.execute(ctx, operation{
		kind:     OpLiquidate,
		accounts: []common.Address{liquidator, user},
		stage: func(ctx context.Context, txn *ledger.Txn) (event.Event, error) {
			health, err := e.valuator.Assess(ctx, txn.Position(user, e.registry.AllAssets()))
			if err != nil {
				return nil, classifyValuation(err)
			}
			before = health
			if before.Debt.IsZero() || before.Healthy() {
				return nil, fmt.Errorf("%w: %s has %s", ErrHealthFactorOk, user.Hex(), before.HealthFactor.Dec())
			}

			covered, err := e.valuator.TokenAmountFromUsd(ctx, asset, debtToCover)
			if err != nil {
				return nil, classifyValuation(err)
			}
			bonus := fpmath.ComputeLiquidationBonus(covered)
			seized, err := fpmath.Add(covered, bonus)
			if err != nil {
				return nil, classify(err)
			}

			if err := txn.Collateral().Seize(user, liquidator, asset, seized); err != nil {
				return nil, classify(err)
			}
			if err := txn.Debts().Repay(user, liquidator, debtToCover); err != nil {
				return nil, classify(err)
			}

			evt = &event.Liquidated{
				OpID:               txn.EventRef(),
				Liquidator:         liquidator,
				User:               user,
				Asset:              asset,
				DebtCovered:        debtToCover.Clone(),
				CollateralSeized:   seized,
				Bonus:              bonus,
				HealthFactorBefore: before.HealthFactor,
			}
			return evt, nil
		},
		// before and after are valued with the same pinned prices
		verify: func(ctx context.Context, txn *ledger.Txn) error {
			after, err := e.valuator.Assess(ctx, txn.Position(user, e.registry.AllAssets()))
			if err != nil {
				return classifyValuation(err)
			}
			if !after.HealthFactor.Gt(before.HealthFactor) {
				return fmt.Errorf("%w: %s from %s to %s", ErrHealthFactorNotImproved,
					user.Hex(), before.HealthFactor.Dec(), after.HealthFactor.Dec())
			}
			evt.HealthFactorAfter = after.HealthFactor
			return e.requireHealthy(ctx, txn, liquidator)
		},
		transfers: func() []transferStep {
			return []transferStep{
				pullStep(debtPort, e.ports.DebtToken(), liquidator, e.cfg.Address, debtToCover),
				burnStep(debtPort, e.cfg.Address, debtToCover),
				pushStep(port, asset, liquidator, e.cfg.Address, evt.CollateralSeized),
			}
		},
	})
	if err != nil {
		return Receipt{}, err
	}

	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
		e.metrics.CollateralSeized.WithLabelValues(asset.Hex()).Add(fpmath.ToFloat(evt.CollateralSeized))
	}
	opLog := observability.OperationLogger(e.logger, OpLiquidate, receipt.OpID)
	opLog.Info().
		Str("liquidator", liquidator.Hex()).
		Str("user", user.Hex()).
		Str("asset", asset.Hex()).
		Str("debt_covered", debtToCover.Dec()).
		Str("collateral_seized", evt.CollateralSeized.Dec()).
		Str("hf_before", evt.HealthFactorBefore.Dec()).
		Str("hf_after", evt.HealthFactorAfter.Dec()).
		Msg("position liquidated")
	return receipt, nil
}
