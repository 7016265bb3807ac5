package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Static is an in-memory oracle whose prices are set directly.
// Used for development and tests.
type Static struct {
	mu     sync.RWMutex
	quotes map[common.Address]Quote
	now    func() time.Time
}

func NewStatic() *Static {
	return &Static{
		quotes: make(map[common.Address]Quote),
		now:    time.Now,
	}
}

// SetPrice publishes a new round for feed.
func (s *Static) SetPrice(feed common.Address, price *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round := big.NewInt(1)
	if prev, ok := s.quotes[feed]; ok {
		round = new(big.Int).Add(prev.RoundID, big.NewInt(1))
	}
	s.quotes[feed] = Quote{
		Price:     price.Clone(),
		UpdatedAt: s.now(),
		RoundID:   round,
	}
}

func (s *Static) LatestRoundData(_ context.Context, feed common.Address) (Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[feed]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: feed %s", ErrNoPrice, feed.Hex())
	}
	q.Price = q.Price.Clone()
	return q, nil
}
