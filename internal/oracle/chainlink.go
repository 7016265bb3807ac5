package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const aggregatorV3ABI = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ContractCaller is the subset of ethclient.Client needed to read a feed.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AggregatorV3ABI returns the parsed Chainlink AggregatorV3Interface subset.
func AggregatorV3ABI() (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Chainlink reads quotes from AggregatorV3 contracts at the latest block.
type Chainlink struct {
	caller ContractCaller
	abi    *abi.ABI
	// MaxAge rejects quotes older than this. Zero disables the check.
	MaxAge time.Duration
	now    func() time.Time
}

func NewChainlink(caller ContractCaller, maxAge time.Duration) (*Chainlink, error) {
	parsed, err := AggregatorV3ABI()
	if err != nil {
		return nil, fmt.Errorf("parsing AggregatorV3 ABI: %w", err)
	}
	return &Chainlink{
		caller: caller,
		abi:    parsed,
		MaxAge: maxAge,
		now:    time.Now,
	}, nil
}

func (c *Chainlink) LatestRoundData(ctx context.Context, feed common.Address) (Quote, error) {
	callData, err := c.abi.Pack("latestRoundData")
	if err != nil {
		return Quote{}, fmt.Errorf("packing latestRoundData: %w", err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: callData}, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("calling latestRoundData on %s: %w", feed.Hex(), err)
	}

	unpacked, err := c.abi.Unpack("latestRoundData", out)
	if err != nil {
		return Quote{}, fmt.Errorf("unpacking latestRoundData for %s: %w", feed.Hex(), err)
	}
	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	roundID := unpacked[0].(*big.Int)
	answer := unpacked[1].(*big.Int)
	updatedAt := unpacked[3].(*big.Int)

	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: feed %s returned non-positive answer %s", ErrNoPrice, feed.Hex(), answer)
	}
	if updatedAt.Sign() == 0 {
		return Quote{}, fmt.Errorf("%w: feed %s round %s not complete", ErrNoPrice, feed.Hex(), roundID)
	}

	price, overflow := uint256.FromBig(answer)
	if overflow {
		return Quote{}, fmt.Errorf("%w: feed %s answer out of range", ErrNoPrice, feed.Hex())
	}

	q := Quote{
		Price:     price,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		RoundID:   roundID,
	}
	if c.MaxAge > 0 && c.now().Sub(q.UpdatedAt) > c.MaxAge {
		return Quote{}, fmt.Errorf("%w: feed %s updated at %s", ErrStalePrice, feed.Hex(), q.UpdatedAt.Format(time.RFC3339))
	}
	return q, nil
}
