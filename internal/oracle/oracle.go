// Package oracle provides USD price quotes for collateral assets.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrNoPrice is returned when a feed has no usable answer.
	ErrNoPrice = errors.New("oracle: no price")
	// ErrStalePrice is returned when a quote is older than the configured max age.
	ErrStalePrice = errors.New("oracle: stale price")
)

// Quote is the latest round of a USD price feed. Price has 8 decimals.
type Quote struct {
	Price     *uint256.Int
	UpdatedAt time.Time
	RoundID   *big.Int
}

// PriceOracle returns the latest quote of a feed.
type PriceOracle interface {
	LatestRoundData(ctx context.Context, feed common.Address) (Quote, error)
}
