package failsafe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by Redis, used when several client processes
// (e.g. a sync loop and a background unwedging worker) must share one
// server/device failure view. Attempt counts are tracked as an integer value
// with its own TTL so the backoff window and the attempt counter expire
// together; a fresh MarkFailed after expiry starts the sequence over.
// MemoryCache differs here: it keeps a key's attempt count after the window
// elapses, until Clear.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	cfg       Config
}

// NewRedisCache constructs a Cache backed by an existing Redis client. keyPrefix
// namespaces cache keys so the session manager's server and device caches can
// share a Redis instance without colliding.
func NewRedisCache(client *redis.Client, keyPrefix string, cfg Config) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		cfg:       cfg.withDefaults(),
	}
}

func (c *RedisCache) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", c.keyPrefix, key)
}

// IsFailed reports whether key is currently within its backoff window.
func (c *RedisCache) IsFailed(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failsafe: redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkFailed records a failure for key, doubling its backoff window. The
// attempt count is incremented (INCR) and its TTL set (EXPIRE) in two
// separate round-trips; the two are not applied atomically.
func (c *RedisCache) MarkFailed(ctx context.Context, key string) error {
	rk := c.redisKey(key)

	attempt, err := c.client.Incr(ctx, rk).Result()
	if err != nil {
		return fmt.Errorf("failsafe: redis incr: %w", err)
	}
	ttl := c.cfg.backoff(int(attempt))
	if err := c.client.Expire(ctx, rk, ttl).Err(); err != nil {
		return fmt.Errorf("failsafe: redis expire: %w", err)
	}
	return nil
}

// Clear removes key from the cache.
func (c *RedisCache) Clear(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failsafe: redis del: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)

// Ping verifies the underlying Redis connection is reachable, surfaced so
// callers can fail fast during startup rather than on the first MarkFailed.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
