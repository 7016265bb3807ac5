// Package risk values collateral positions and computes health factors.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
	"StableLedger/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountHealth is the valuation of one position.
type AccountHealth struct {
	Debt          *uint256.Int
	CollateralUsd *uint256.Int
	HealthFactor  *uint256.Int
}

// Healthy reports whether the position satisfies the minimum health factor.
func (a AccountHealth) Healthy() bool {
	return fpmath.IsHealthy(a.HealthFactor)
}

// Valuator prices collateral through the oracle feeds of the registry.
type Valuator struct {
	registry *registry.Registry
	oracle   oracle.PriceOracle
	metrics  *observability.Metrics
}

func NewValuator(reg *registry.Registry, o oracle.PriceOracle, metrics *observability.Metrics) *Valuator {
	return &Valuator{
		registry: reg,
		oracle:   o,
		metrics:  metrics,
	}
}

func (v *Valuator) Registry() *registry.Registry { return v.registry }

// priceSet holds the quotes read during one operation, by feed.
type priceSet struct {
	mu     sync.Mutex
	prices map[common.Address]*uint256.Int
}

type priceSetKey struct{}

// PinPrices returns a context under which every feed is read from the oracle
// at most once. Later lookups of the same feed reuse the first quote, so all
// valuations made under ctx see one consistent set of prices.
func PinPrices(ctx context.Context) context.Context {
	if _, ok := ctx.Value(priceSetKey{}).(*priceSet); ok {
		return ctx
	}
	return context.WithValue(ctx, priceSetKey{}, &priceSet{prices: make(map[common.Address]*uint256.Int)})
}

// Price returns the latest 8-decimal USD price of asset, or the pinned one
// when ctx comes from PinPrices.
func (v *Valuator) Price(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	feed, err := v.registry.PriceFeedOf(asset)
	if err != nil {
		return nil, err
	}

	pinned, _ := ctx.Value(priceSetKey{}).(*priceSet)
	if pinned == nil {
		return v.quote(ctx, asset, feed)
	}
	pinned.mu.Lock()
	defer pinned.mu.Unlock()
	if p, ok := pinned.prices[feed]; ok {
		return p.Clone(), nil
	}
	p, err := v.quote(ctx, asset, feed)
	if err != nil {
		return nil, err
	}
	pinned.prices[feed] = p.Clone()
	return p, nil
}

func (v *Valuator) quote(ctx context.Context, asset, feed common.Address) (*uint256.Int, error) {

	start := time.Now()
	q, err := v.oracle.LatestRoundData(ctx, feed)
	if v.metrics != nil {
		v.metrics.OracleLatency.WithLabelValues(feed.Hex()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if v.metrics != nil {
			v.metrics.OracleErrors.WithLabelValues(feed.Hex()).Inc()
		}
		return nil, fmt.Errorf("price of %s: %w", asset.Hex(), err)
	}
	return q.Price, nil
}

// UsdValue returns the 18-decimal USD value of amount of asset.
func (v *Valuator) UsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.ComputeUsdValue(price, amount)
}

// TokenAmountFromUsd returns how much of asset is worth usdAmount.
func (v *Valuator) TokenAmountFromUsd(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.ComputeTokenAmountFromUsd(price, usdAmount)
}

// CollateralValueUsd sums the USD value of every registered asset in the
// position, in registration order. Zero balances are not priced.
func (v *Valuator) CollateralValueUsd(ctx context.Context, pos ledger.Position) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range v.registry.AllAssets() {
		amount := pos.CollateralOf(asset)
		if amount.IsZero() {
			continue
		}
		usd, err := v.UsdValue(ctx, asset, amount)
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.Add(total, usd); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Assess values the position and computes its health factor.
func (v *Valuator) Assess(ctx context.Context, pos ledger.Position) (AccountHealth, error) {
	collateral, err := v.CollateralValueUsd(ctx, pos)
	if err != nil {
		return AccountHealth{}, err
	}
	return AccountHealth{
		Debt:          pos.Debt.Clone(),
		CollateralUsd: collateral,
		HealthFactor:  fpmath.CalculateHealthFactor(pos.Debt, collateral),
	}, nil
}
