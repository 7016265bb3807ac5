package math

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// Oracle quotes are 8 decimals (Chainlink USD feeds), token amounts and USD values 18.
	PriceConfig  = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	AmountConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
)

// Protocol constants. Threshold and bonus are percentages over LiquidationPrecision.
const (
	LiquidationThreshold = 50
	LiquidationBonus     = 10
	LiquidationPrecision = 100
)

var (
	Precision               = uint256.NewInt(AmountConfig.Scale)
	AdditionalFeedPrecision = uint256.NewInt(AmountConfig.Scale / PriceConfig.Scale) // 1e10
	MinHealthFactor         = uint256.NewInt(AmountConfig.Scale)                     // 1.0
	MaxHealthFactor         = new(uint256.Int).SetAllOne()
)

var (
	// ErrArithmetic signals overflow of an unsigned accumulator or a product.
	ErrArithmetic = errors.New("arithmetic overflow")
	// ErrInvalidPrice signals a zero price where a division by price is needed.
	ErrInvalidPrice = errors.New("invalid price: zero")
)

// MulDiv returns x * y / d with a 512-bit intermediate, truncating toward zero.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrArithmetic
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrArithmetic
	}
	return z, nil
}

// Add returns x + y, failing on overflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrArithmetic
	}
	return z, nil
}

// Sub returns x - y and reports whether it underflowed.
func Sub(x, y *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).SubOverflow(x, y)
}

// scalePrice lifts an 8-decimal quote to 18 decimals.
func scalePrice(price *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(price, AdditionalFeedPrecision)
	if overflow {
		return nil, ErrArithmetic
	}
	return z, nil
}

// ComputeUsdValue converts a token amount to USD (18 decimals):
// value = price * 1e10 * amount / 1e18
func ComputeUsdValue(price, amount *uint256.Int) (*uint256.Int, error) {
	scaled, err := scalePrice(price)
	if err != nil {
		return nil, err
	}
	return MulDiv(scaled, amount, Precision)
}

// ComputeTokenAmountFromUsd is the inverse of ComputeUsdValue:
// amount = usd * 1e18 / (price * 1e10)
func ComputeTokenAmountFromUsd(price, usdAmount *uint256.Int) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrInvalidPrice
	}
	scaled, err := scalePrice(price)
	if err != nil {
		return nil, err
	}
	return MulDiv(usdAmount, Precision, scaled)
}

// ComputeLiquidationBonus returns amount * LiquidationBonus / LiquidationPrecision.
func ComputeLiquidationBonus(amount *uint256.Int) *uint256.Int {
	// amount * 10 / 100 cannot overflow through the 512-bit intermediate
	z, _ := MulDiv(amount, uint256.NewInt(LiquidationBonus), uint256.NewInt(LiquidationPrecision))
	return z
}

// CalculateHealthFactor returns
// (collateralUsd * LiquidationThreshold / LiquidationPrecision) * Precision / debt.
// Zero debt yields MaxHealthFactor; a quotient that does not fit 256 bits saturates to it.
func CalculateHealthFactor(debt, collateralUsd *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxHealthFactor.Clone()
	}
	adjusted, _ := MulDiv(collateralUsd, uint256.NewInt(LiquidationThreshold), uint256.NewInt(LiquidationPrecision))
	hf, overflow := new(uint256.Int).MulDivOverflow(adjusted, Precision, debt)
	if overflow {
		return MaxHealthFactor.Clone()
	}
	return hf
}

// IsHealthy reports hf >= MinHealthFactor.
func IsHealthy(hf *uint256.Int) bool {
	return !hf.Lt(MinHealthFactor)
}

// MustFromDecimal parses a base-10 literal. Intended for constants and tests.
func MustFromDecimal(s string) *uint256.Int {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return z
}

// Units returns n whole units at 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Precision)
}

// PriceUnits returns n whole USD at the oracle's 8 decimals.
func PriceUnits(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(PriceConfig.Scale))
}

// ToFloat converts an 18-decimal amount to float64. Lossy; for metrics only.
func ToFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(x.ToBig()),
		new(big.Float).SetUint64(AmountConfig.Scale),
	).Float64()
	return f
}
