// Package coordination implements distributed primitives shared across the
// gateway: lease acquisition for leader election and fencing for the
// resilience controller's health-check timer.
package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// LeaseCoordinator grants mutually-exclusive, TTL-bounded ownership of a
// key. Renewal and release are value-gated so a lease holder can never
// extend or release a lease it no longer owns.
type LeaseCoordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
	IncrementEpoch(ctx context.Context, key string) (int64, error)
}

type RedisLeaseCoordinator struct {
	client *redis.Client
}

func NewRedisLeaseCoordinator(client *redis.Client) *RedisLeaseCoordinator {
	return &RedisLeaseCoordinator{client: client}
}

func (c *RedisLeaseCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return c.client.SetNX(ctx, key, value, ttl).Result()
}

var renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (c *RedisLeaseCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	res, err := c.client.Eval(ctx, renewScript, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("coordination: unexpected renew script return type")
	}
	return code == 1, nil
}

var releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (c *RedisLeaseCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	_, err := c.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	return err
}

func (c *RedisLeaseCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key+":epoch").Result()
}
