package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/payhook/internal/payment"
)

const redisKeyPrefix = "payhook:dedup:"

// DefaultCacheTTL bounds how long a terminal outcome is served from Redis.
const DefaultCacheTTL = 24 * time.Hour

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisCache caches terminal dedup outcomes so duplicate deliveries can be
// answered without touching SQLite. SQLite stays authoritative; a cache miss
// or error always falls through to the store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns a cache adapter. A zero ttl selects DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Lookup(ctx context.Context, key payment.Key) (Status, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return Status(raw), true, nil
}

func (c *RedisCache) Remember(ctx context.Context, key payment.Key, status Status) error {
	return c.client.Set(ctx, redisKeyPrefix+key.String(), string(status), c.ttl).Err()
}

func (c *RedisCache) Forget(ctx context.Context, key payment.Key) error {
	return c.client.Del(ctx, redisKeyPrefix+key.String()).Err()
}
