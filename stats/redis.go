package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// RedisCollector implements Collector over Redis hashes (counters),
// sorted sets (response-time samples), and TTL keys (liveness): each
// method is a thin wrapper around one or two `*redis.Client` calls plus
// a RedisLatency observation.
type RedisCollector struct {
	client     *redis.Client
	instanceID string
}

func NewRedisCollector(client *redis.Client, instanceID string) *RedisCollector {
	return &RedisCollector{client: client, instanceID: instanceID}
}

func counterKey(region, instance string) string {
	return fmt.Sprintf("conduit:cache:stats:%s:%s", region, instance)
}

func globalCounterKey(region string) string {
	return fmt.Sprintf("conduit:cache:stats:%s:global", region)
}

func responseTimeKey(region string, op Operation, instance string) string {
	return fmt.Sprintf("conduit:cache:resptime:%s:%s:%s", region, op, instance)
}

func heartbeatKey(region, instance string) string {
	return fmt.Sprintf("conduit:cache:heartbeat:%s:%s", region, instance)
}

func instancesPattern(region string) string {
	return fmt.Sprintf("conduit:cache:heartbeat:%s:*", region)
}

func (c *RedisCollector) bumpCounter(ctx context.Context, region string, metric Metric, delta int64) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, counterKey(region, c.instanceID), string(metric), delta)
	pipe.HIncrBy(ctx, globalCounterKey(region), string(metric), delta)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("stats: bump %s: %w", metric, err)
	}
	if metric == MetricHit {
		observability.CacheHitsTotal.WithLabelValues(region).Inc()
	}
	if metric == MetricMiss {
		observability.CacheMissesTotal.WithLabelValues(region).Inc()
	}
	return nil
}

func (c *RedisCollector) RecordHit(ctx context.Context, region string) error {
	return c.bumpCounter(ctx, region, MetricHit, 1)
}

func (c *RedisCollector) RecordMiss(ctx context.Context, region string) error {
	return c.bumpCounter(ctx, region, MetricMiss, 1)
}

func (c *RedisCollector) RecordSet(ctx context.Context, region string, bytes int64) error {
	if err := c.bumpCounter(ctx, region, MetricSet, 1); err != nil {
		return err
	}
	return c.bumpCounter(ctx, region, MetricTotalDataBytes, bytes)
}

func (c *RedisCollector) RecordRemove(ctx context.Context, region string) error {
	return c.bumpCounter(ctx, region, MetricRemove, 1)
}

func (c *RedisCollector) RecordEviction(ctx context.Context, region string) error {
	return c.bumpCounter(ctx, region, MetricEviction, 1)
}

func (c *RedisCollector) RecordError(ctx context.Context, region string) error {
	return c.bumpCounter(ctx, region, MetricError, 1)
}

// RecordResponseTime samples are stored as a ZSET scored by the sample's
// own UnixNano timestamp, with the latency value carried in the member
// string (parsed back out by Percentiles). Scoring by recency rather
// than by latency means ZRemRangeByRank below always evicts the oldest
// samples, so the surviving MaxResponseSamples are the most recent ones
// regardless of how fast or slow they were; scoring by latency would
// instead evict the fastest samples and skew percentiles toward the slow
// tail.
func (c *RedisCollector) RecordResponseTime(ctx context.Context, region string, op Operation, millis float64) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := responseTimeKey(region, op, c.instanceID)
	now := time.Now().UnixNano()
	member := fmt.Sprintf("%d:%d", now, int64(millis*1000))
	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, -int64(MaxResponseSamples)-1)
	_, err := pipe.Exec(ctx)
	return err
}

// parseLatencyMember extracts the millisecond latency encoded in a
// response-time ZSET member of the form "<unixnano>:<millis*1000>".
func parseLatencyMember(member string) (float64, bool) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return 0, false
	}
	scaled, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return float64(scaled) / 1000, true
}

func (c *RedisCollector) Heartbeat(ctx context.Context, region string) error {
	return c.client.Set(ctx, heartbeatKey(region, c.instanceID), time.Now().Format(time.RFC3339), HeartbeatTTL).Err()
}

func (c *RedisCollector) Unregister(ctx context.Context, region string) error {
	return c.client.Del(ctx, heartbeatKey(region, c.instanceID)).Err()
}

func (c *RedisCollector) liveInstances(ctx context.Context, region string) ([]string, error) {
	var instances []string
	iter := c.client.Scan(ctx, 0, instancesPattern(region), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		prefix := fmt.Sprintf("conduit:cache:heartbeat:%s:", region)
		if len(key) > len(prefix) {
			instances = append(instances, key[len(prefix):])
		}
	}
	return instances, iter.Err()
}

func (c *RedisCollector) Percentiles(ctx context.Context, region string, op Operation) (Percentiles, error) {
	instances, err := c.liveInstances(ctx, region)
	if err != nil {
		return Percentiles{}, fmt.Errorf("stats: list live instances: %w", err)
	}

	var all []float64
	for _, inst := range instances {
		members, err := c.client.ZRange(ctx, responseTimeKey(region, op, inst), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, m := range members {
			if lat, ok := parseLatencyMember(m); ok {
				all = append(all, lat)
			}
		}
	}
	sort.Float64s(all)

	result := Percentiles{Region: region, Operation: op, Samples: len(all)}
	result.P50 = percentileOf(all, 0.50)
	result.P95 = percentileOf(all, 0.95)
	result.P99 = percentileOf(all, 0.99)

	observability.CacheResponseTimeMillis.WithLabelValues(region, "p50").Set(result.P50)
	observability.CacheResponseTimeMillis.WithLabelValues(region, "p95").Set(result.P95)
	observability.CacheResponseTimeMillis.WithLabelValues(region, "p99").Set(result.P99)
	return result, nil
}

func percentileOf(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	// Nearest rank: the smallest sample with at least q of all samples at
	// or below it.
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (c *RedisCollector) Snapshot(ctx context.Context, region string) (Snapshot, error) {
	global, err := c.client.HGetAll(ctx, globalCounterKey(region)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: snapshot global counters: %w", err)
	}
	mine, err := c.client.HGetAll(ctx, counterKey(region, c.instanceID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: snapshot instance counters: %w", err)
	}

	snap := Snapshot{
		Region:         region,
		Counters:       parseCounters(mine),
		GlobalCounters: parseCounters(global),
		ResponseTimeMs: make(map[string]float64),
	}
	hits := snap.GlobalCounters[MetricHit]
	misses := snap.GlobalCounters[MetricMiss]
	if hits+misses > 0 {
		snap.HitRate = float64(hits) / float64(hits+misses)
	}
	observability.CacheHitRate.WithLabelValues(region).Set(snap.HitRate)

	getP, _ := c.Percentiles(ctx, region, OpGet)
	snap.ResponseTimeMs["p50"] = getP.P50
	snap.ResponseTimeMs["p95"] = getP.P95
	snap.ResponseTimeMs["p99"] = getP.P99
	return snap, nil
}

func parseCounters(raw map[string]string) map[Metric]int64 {
	out := make(map[Metric]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[Metric(k)] = n
	}
	return out
}
