package risk_test

import (
	"context"
	"testing"

	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/oracle"
	"StableLedger/internal/registry"
	"StableLedger/internal/risk"
	"StableLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dsc     = testutil.Addr(0xD5C)
	weth    = testutil.Addr(0xE1)
	wbtc    = testutil.Addr(0xB1)
	ethFeed = testutil.Addr(0xF1)
	btcFeed = testutil.Addr(0xF2)
	alice   = testutil.Addr(1)
	bob     = testutil.Addr(2)
)

func setup(t *testing.T) (*ledger.Store, *oracle.Static, *risk.Valuator) {
	t.Helper()
	reg, err := registry.New([]common.Address{weth, wbtc}, []common.Address{ethFeed, btcFeed})
	require.NoError(t, err)

	prices := oracle.NewStatic()
	prices.SetPrice(ethFeed, fpmath.PriceUnits(2000))
	prices.SetPrice(btcFeed, fpmath.PriceUnits(1000))

	return ledger.NewStore(dsc), prices, risk.NewValuator(reg, prices, nil)
}

func TestValuator_UsdValue(t *testing.T) {
	_, _, v := setup(t)
	usd, err := v.UsdValue(context.Background(), weth, fpmath.Units(15))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(30000).Dec(), usd.Dec())

	amount, err := v.TokenAmountFromUsd(context.Background(), weth, fpmath.Units(100))
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", amount.Dec())
}

func TestValuator_UnsupportedAsset(t *testing.T) {
	_, _, v := setup(t)
	_, err := v.UsdValue(context.Background(), dsc, fpmath.Units(1))
	assert.ErrorIs(t, err, registry.ErrUnsupportedAsset)
}

func TestValuator_CollateralValueSkipsUnpricedZeroBalances(t *testing.T) {
	store, _, v := setup(t)
	reg, err := registry.New([]common.Address{weth, wbtc}, []common.Address{ethFeed, testutil.Addr(0xF9)})
	require.NoError(t, err)
	prices := oracle.NewStatic()
	prices.SetPrice(ethFeed, fpmath.PriceUnits(2000))
	v = risk.NewValuator(reg, prices, nil)

	txn := store.Stage("op", 1)
	require.NoError(t, txn.Collateral().Deposit(alice, weth, fpmath.Units(1)))

	// wbtc has no price but alice holds none of it
	usd, err := v.CollateralValueUsd(context.Background(), txn.Position(alice, reg.AllAssets()))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(2000).Dec(), usd.Dec())
}

func TestValuator_AssessMultiAsset(t *testing.T) {
	store, _, v := setup(t)
	txn := store.Stage("op", 1)
	require.NoError(t, txn.Collateral().Deposit(alice, weth, fpmath.Units(1)))
	require.NoError(t, txn.Collateral().Deposit(alice, wbtc, fpmath.Units(2)))
	require.NoError(t, txn.Debts().Mint(alice, fpmath.Units(1000)))

	h, err := v.Assess(context.Background(), txn.Position(alice, v.Registry().AllAssets()))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(4000).Dec(), h.CollateralUsd.Dec())
	// (4000 * 50 / 100) / 1000 = 2.0
	assert.Equal(t, fpmath.Units(2).Dec(), h.HealthFactor.Dec())
	assert.True(t, h.Healthy())
}

func TestAuditor_FindsUnhealthyAfterPriceDrop(t *testing.T) {
	store, prices, v := setup(t)
	txn := store.Stage("op", 1)
	require.NoError(t, txn.Collateral().Deposit(alice, weth, fpmath.Units(10)))
	require.NoError(t, txn.Debts().Mint(alice, fpmath.Units(10000)))
	require.NoError(t, txn.Collateral().Deposit(bob, weth, fpmath.Units(1)))
	_, err := store.Commit(txn, 1, nil)
	require.NoError(t, err)

	auditor := risk.NewAuditor(store, v)
	report, err := auditor.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accounts)
	assert.Empty(t, report.Unhealthy)
	assert.True(t, report.Solvent())

	prices.SetPrice(ethFeed, fpmath.PriceUnits(1800))
	report, err = auditor.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Unhealthy, 1)
	assert.Equal(t, alice, report.Unhealthy[0].User)
	assert.Equal(t, "900000000000000000", report.Unhealthy[0].HealthFactor.Dec())
	assert.Equal(t, fpmath.Units(10000).Dec(), report.TotalDebt.Dec())
}

func TestPinPrices_OneQuotePerFeed(t *testing.T) {
	_, prices, v := setup(t)
	ctx := risk.PinPrices(context.Background())

	first, err := v.UsdValue(ctx, weth, fpmath.Units(1))
	require.NoError(t, err)
	prices.SetPrice(ethFeed, fpmath.PriceUnits(1000))

	again, err := v.UsdValue(risk.PinPrices(ctx), weth, fpmath.Units(1))
	require.NoError(t, err)
	assert.Equal(t, first.Dec(), again.Dec())
	assert.Equal(t, fpmath.Units(2000).Dec(), again.Dec())

	// outside the pinned context the new quote is visible
	fresh, err := v.UsdValue(context.Background(), weth, fpmath.Units(1))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(1000).Dec(), fresh.Dec())
}
