// Package cache provides a short-lived cache for listing and statistics
// responses so review pages do not hit the store on every render.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Well-known cache keys, invalidated together whenever the store mutates.
const (
	KeyImageList  = "carsort:images"
	KeyStatistics = "carsort:statistics"
	KeyTokenUsage = "carsort:token-usage"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Invalidate(ctx context.Context, keys ...string)
	Close() error
}

// RedisCache stores entries in redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(address string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: address}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Cache trouble must never fail the request.
			slog.Warn("cache: get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		slog.Warn("cache: set failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		keys = []string{KeyImageList, KeyStatistics, KeyTokenUsage}
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache: invalidate failed", "keys", keys, "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Noop disables caching; used when no redis address is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte)        {}
func (Noop) Invalidate(context.Context, ...string)      {}
func (Noop) Close() error                               { return nil }
