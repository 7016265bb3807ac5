package engine

import (
	"context"
	"fmt"

	fpmath "StableLedger/internal/math"
	"StableLedger/internal/risk"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Read-only views over committed state. None of them take account locks.

// GetAccountInformation returns user's debt and the USD value of its collateral.
func (e *PositionEngine) GetAccountInformation(ctx context.Context, user common.Address) (totalDebt, collateralValueUsd *uint256.Int, err error) {
	health, err := e.assessCommitted(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return health.Debt, health.CollateralUsd, nil
}

// GetHealthFactor returns user's health factor; the maximum value when it has no debt.
func (e *PositionEngine) GetHealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	pos := e.store.Position(user, e.registry.AllAssets())
	if pos.Debt.IsZero() {
		return fpmath.MaxHealthFactor.Clone(), nil
	}
	health, err := e.assessCommitted(ctx, user)
	if err != nil {
		return nil, err
	}
	return health.HealthFactor, nil
}

// GetAccountCollateralValue returns the USD value of user's collateral.
func (e *PositionEngine) GetAccountCollateralValue(ctx context.Context, user common.Address) (*uint256.Int, error) {
	v, err := e.valuator.CollateralValueUsd(ctx, e.store.Position(user, e.registry.AllAssets()))
	if err != nil {
		return nil, classifyValuation(err)
	}
	return v, nil
}

func (e *PositionEngine) assessCommitted(ctx context.Context, user common.Address) (risk.AccountHealth, error) {
	health, err := e.valuator.Assess(ctx, e.store.Position(user, e.registry.AllAssets()))
	if err != nil {
		return risk.AccountHealth{}, classifyValuation(err)
	}
	return health, nil
}

// GetCollateralBalance returns user's deposited amount of asset.
func (e *PositionEngine) GetCollateralBalance(user, asset common.Address) *uint256.Int {
	return e.store.Collateral().BalanceOf(user, asset)
}

// GetDebt returns the debt recorded against user.
func (e *PositionEngine) GetDebt(user common.Address) *uint256.Int {
	return e.store.Debts().DebtOf(user)
}

// GetUsdValue prices amount of asset in 18-decimal USD.
func (e *PositionEngine) GetUsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if !e.registry.IsSupported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	v, err := e.valuator.UsdValue(ctx, asset, amount)
	if err != nil {
		return nil, classifyValuation(err)
	}
	return v, nil
}

// GetTokenAmountFromUsd converts an 18-decimal USD amount into asset units.
func (e *PositionEngine) GetTokenAmountFromUsd(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	if !e.registry.IsSupported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	v, err := e.valuator.TokenAmountFromUsd(ctx, asset, usdAmount)
	if err != nil {
		return nil, classifyValuation(err)
	}
	return v, nil
}

// CalculateHealthFactor is the pure health factor formula.
func (e *PositionEngine) CalculateHealthFactor(totalDebt, collateralValueUsd *uint256.Int) *uint256.Int {
	return fpmath.CalculateHealthFactor(totalDebt, collateralValueUsd)
}

// GetCollateralTokens lists supported assets in registration order.
func (e *PositionEngine) GetCollateralTokens() []common.Address {
	return e.registry.AllAssets()
}

func (e *PositionEngine) GetCollateralTokenPriceFeed(asset common.Address) (common.Address, error) {
	feed, err := e.registry.PriceFeedOf(asset)
	if err != nil {
		return common.Address{}, classify(err)
	}
	return feed, nil
}

func (e *PositionEngine) GetDebtToken() common.Address { return e.store.DebtToken() }

func (e *PositionEngine) Address() common.Address { return e.cfg.Address }

// Protocol constants.

func (e *PositionEngine) GetPrecision() *uint256.Int { return fpmath.Precision.Clone() }

func (e *PositionEngine) GetAdditionalFeedPrecision() *uint256.Int {
	return fpmath.AdditionalFeedPrecision.Clone()
}

func (e *PositionEngine) GetLiquidationThreshold() uint64 { return fpmath.LiquidationThreshold }

func (e *PositionEngine) GetLiquidationBonus() uint64 { return fpmath.LiquidationBonus }

func (e *PositionEngine) GetLiquidationPrecision() uint64 { return fpmath.LiquidationPrecision }

func (e *PositionEngine) GetMinHealthFactor() *uint256.Int { return fpmath.MinHealthFactor.Clone() }
