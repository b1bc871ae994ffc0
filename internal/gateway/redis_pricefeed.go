package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedisPriceFeed reads market prices that an upstream feed process writes to
// Redis, one key per asset. Reads are cached briefly so the matching path
// does not hit Redis on every canMatch evaluation.
type RedisPriceFeed struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	cacheTTL  time.Duration

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// NewRedisPriceFeed creates a feed reading keys "<prefix><ASSET>".
func NewRedisPriceFeed(client *redis.Client, keyPrefix string, cacheTTL time.Duration, logger *zap.Logger) *RedisPriceFeed {
	if cacheTTL <= 0 {
		cacheTTL = 250 * time.Millisecond
	}
	return &RedisPriceFeed{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cachedPrice),
	}
}

func (f *RedisPriceFeed) MarketPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.RLock()
	if c, ok := f.cache[asset]; ok && time.Since(c.fetched) < f.cacheTTL {
		f.mu.RUnlock()
		return c.price, nil
	}
	f.mu.RUnlock()

	val, err := f.client.Get(ctx, f.keyPrefix+asset).Result()
	if err == redis.Nil {
		return decimal.Zero, fmt.Errorf("no market price for %s", asset)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed read: %w", err)
	}

	price, err := decimal.NewFromString(val)
	if err != nil {
		f.logger.Warn("malformed price in feed",
			zap.String("asset", asset), zap.String("value", val))
		return decimal.Zero, fmt.Errorf("malformed price for %s: %w", asset, err)
	}

	f.mu.Lock()
	f.cache[asset] = cachedPrice{price: price, fetched: time.Now()}
	f.mu.Unlock()

	return price, nil
}
