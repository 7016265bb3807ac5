package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"StableLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheConfig holds Redis quote cache configuration.
type CacheConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

func CacheConfigDefaults() CacheConfig {
	return CacheConfig{
		Addr:      "localhost:6379",
		TTL:       5 * time.Second,
		KeyPrefix: "stable:quote",
	}
}

type cachedQuote struct {
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updated_at"`
	RoundID   string `json:"round_id"`
}

// RedisCache fronts another oracle with a short-lived Redis cache.
// Cache failures fall through to the underlying oracle.
type RedisCache struct {
	next   PriceOracle
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

func NewRedisCache(next PriceOracle, cfg CacheConfig, logger zerolog.Logger) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{
		next:   next,
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		logger: observability.ComponentLogger(logger, "quote-cache"),
	}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(feed common.Address) string {
	return fmt.Sprintf("%s:%s", c.prefix, feed.Hex())
}

func (c *RedisCache) LatestRoundData(ctx context.Context, feed common.Address) (Quote, error) {
	key := c.key(feed)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		q, decodeErr := decodeQuote(raw)
		if decodeErr == nil {
			return q, nil
		}
		c.logger.Warn().Err(decodeErr).Str("feed", feed.Hex()).Msg("discarding malformed cached quote")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("feed", feed.Hex()).Msg("quote cache read failed")
	}

	q, err := c.next.LatestRoundData(ctx, feed)
	if err != nil {
		return Quote{}, err
	}

	if data, encErr := encodeQuote(q); encErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.logger.Warn().Err(setErr).Str("feed", feed.Hex()).Msg("quote cache write failed")
		}
	}
	return q, nil
}

func encodeQuote(q Quote) ([]byte, error) {
	round := "0"
	if q.RoundID != nil {
		round = q.RoundID.String()
	}
	return json.Marshal(cachedQuote{
		Price:     q.Price.Dec(),
		UpdatedAt: q.UpdatedAt.Unix(),
		RoundID:   round,
	})
}

func decodeQuote(data []byte) (Quote, error) {
	var cq cachedQuote
	if err := json.Unmarshal(data, &cq); err != nil {
		return Quote{}, err
	}
	price, err := uint256.FromDecimal(cq.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("price: %w", err)
	}
	round, ok := new(big.Int).SetString(cq.RoundID, 10)
	if !ok {
		return Quote{}, fmt.Errorf("round id %q", cq.RoundID)
	}
	return Quote{
		Price:     price,
		UpdatedAt: time.Unix(cq.UpdatedAt, 0).UTC(),
		RoundID:   round,
	}, nil
}
