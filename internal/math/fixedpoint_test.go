package math_test

import (
	"testing"

	fpmath "StableLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeUsdValue(t *testing.T) {
	// 15 ETH at $2000 = $30000
	got, err := fpmath.ComputeUsdValue(fpmath.PriceUnits(2000), fpmath.Units(15))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(30_000).Dec(), got.Dec())
}

func TestComputeTokenAmountFromUsd(t *testing.T) {
	// $100 at $2000/ETH = 0.05 ETH
	got, err := fpmath.ComputeTokenAmountFromUsd(fpmath.PriceUnits(2000), fpmath.Units(100))
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", got.Dec())
}

func TestComputeTokenAmountFromUsd_ZeroPrice(t *testing.T) {
	_, err := fpmath.ComputeTokenAmountFromUsd(uint256.NewInt(0), fpmath.Units(1))
	assert.ErrorIs(t, err, fpmath.ErrInvalidPrice)
}

func TestComputeUsdValue_Overflow(t *testing.T) {
	_, err := fpmath.ComputeUsdValue(fpmath.MaxHealthFactor, uint256.NewInt(1))
	assert.ErrorIs(t, err, fpmath.ErrArithmetic)
}

func TestRoundTripPricing(t *testing.T) {
	prices := []uint64{1, 3, 1800, 2000, 31_337, 65_000}
	amounts := []string{"1", "7", "1000000000000000000", "123456789012345678901", "999999999999999999999999"}

	for _, p := range prices {
		price := fpmath.PriceUnits(p)
		for _, a := range amounts {
			amount := fpmath.MustFromDecimal(a)
			usd, err := fpmath.ComputeUsdValue(price, amount)
			require.NoError(t, err)
			back, err := fpmath.ComputeTokenAmountFromUsd(price, usd)
			require.NoError(t, err)

			// truncation only ever loses value, by less than one price step
			assert.False(t, back.Gt(amount), "price=%d amount=%s back=%s", p, a, back.Dec())
			diff := new(uint256.Int).Sub(amount, back)
			bound := new(uint256.Int).Div(fpmath.Precision, new(uint256.Int).Mul(price, fpmath.AdditionalFeedPrecision))
			bound.AddUint64(bound, 1)
			assert.False(t, diff.Gt(bound), "price=%d amount=%s diff=%s", p, a, diff.Dec())
		}
	}
}

func TestCalculateHealthFactor_ZeroDebt(t *testing.T) {
	for _, v := range []*uint256.Int{uint256.NewInt(0), fpmath.Units(1), fpmath.MaxHealthFactor} {
		assert.True(t, fpmath.CalculateHealthFactor(uint256.NewInt(0), v).Eq(fpmath.MaxHealthFactor))
	}
}

func TestCalculateHealthFactor(t *testing.T) {
	// $20000 collateral, $9000 debt -> 10000/9000
	hf := fpmath.CalculateHealthFactor(fpmath.Units(9000), fpmath.Units(20_000))
	assert.Equal(t, "1111111111111111111", hf.Dec())
	assert.True(t, fpmath.IsHealthy(hf))

	hf = fpmath.CalculateHealthFactor(fpmath.Units(11_000), fpmath.Units(20_000))
	assert.Equal(t, "909090909090909090", hf.Dec())
	assert.False(t, fpmath.IsHealthy(hf))

	// exactly 200% collateralized is healthy
	assert.True(t, fpmath.IsHealthy(fpmath.CalculateHealthFactor(fpmath.Units(10_000), fpmath.Units(20_000))))
}

func TestCalculateHealthFactor_Saturates(t *testing.T) {
	hf := fpmath.CalculateHealthFactor(uint256.NewInt(1), fpmath.MaxHealthFactor)
	assert.True(t, hf.Eq(fpmath.MaxHealthFactor))
}

func TestComputeLiquidationBonus(t *testing.T) {
	assert.Equal(t, "277777777777777777", fpmath.ComputeLiquidationBonus(fpmath.MustFromDecimal("2777777777777777777")).Dec())
}

func TestAdd_Overflow(t *testing.T) {
	_, err := fpmath.Add(fpmath.MaxHealthFactor, uint256.NewInt(1))
	assert.ErrorIs(t, err, fpmath.ErrArithmetic)
}
