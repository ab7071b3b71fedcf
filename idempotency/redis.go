package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// RedisBackend namespaces every key under conduit:idempotency: so a key
// collision with task/claim/cache keys is impossible.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func nsKey(key string) string { return "conduit:idempotency:" + key }

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	val, err := b.client.Get(ctx, nsKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return b.client.Set(ctx, nsKey(key), value, ttl).Err()
}

func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return b.client.SetNX(ctx, nsKey(key), value, ttl).Result()
}
