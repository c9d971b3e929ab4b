package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the slice of Redis the match pipeline needs: TTL'd writes for the
// processing sentinel and serialized outcomes, and read-back by key. Narrow
// on purpose so tests can drop in an in-memory stand-in.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache adapts a go-redis client to the Cache interface.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores value under key for the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get returns the value stored under key; a missing key surfaces as
// redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}
