package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// MemoryCollector is the single-process fallback: one instance's counters
// only, since there's no fleet to aggregate across. Percentiles and
// Snapshot degrade to "this instance only" rather than a cross-instance
// union.
type MemoryCollector struct {
	mu           sync.Mutex
	counters     map[string]map[Metric]int64
	responseTime map[string][]float64
	lastAlert    map[string]time.Time
}

func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		counters:     make(map[string]map[Metric]int64),
		responseTime: make(map[string][]float64),
		lastAlert:    make(map[string]time.Time),
	}
}

func (c *MemoryCollector) bump(region string, metric Metric, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[region] == nil {
		c.counters[region] = make(map[Metric]int64)
	}
	c.counters[region][metric] += delta
	if metric == MetricHit {
		observability.CacheHitsTotal.WithLabelValues(region).Inc()
	}
	if metric == MetricMiss {
		observability.CacheMissesTotal.WithLabelValues(region).Inc()
	}
}

func (c *MemoryCollector) RecordHit(ctx context.Context, region string) error {
	c.bump(region, MetricHit, 1)
	return nil
}
func (c *MemoryCollector) RecordMiss(ctx context.Context, region string) error {
	c.bump(region, MetricMiss, 1)
	return nil
}
func (c *MemoryCollector) RecordSet(ctx context.Context, region string, bytes int64) error {
	c.bump(region, MetricSet, 1)
	c.bump(region, MetricTotalDataBytes, bytes)
	return nil
}
func (c *MemoryCollector) RecordRemove(ctx context.Context, region string) error {
	c.bump(region, MetricRemove, 1)
	return nil
}
func (c *MemoryCollector) RecordEviction(ctx context.Context, region string) error {
	c.bump(region, MetricEviction, 1)
	return nil
}
func (c *MemoryCollector) RecordError(ctx context.Context, region string) error {
	c.bump(region, MetricError, 1)
	return nil
}

func (c *MemoryCollector) RecordResponseTime(ctx context.Context, region string, op Operation, millis float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := region + ":" + string(op)
	samples := append(c.responseTime[key], millis)
	if len(samples) > MaxResponseSamples {
		samples = samples[len(samples)-MaxResponseSamples:]
	}
	c.responseTime[key] = samples
	return nil
}

func (c *MemoryCollector) Heartbeat(ctx context.Context, region string) error { return nil }
func (c *MemoryCollector) Unregister(ctx context.Context, region string) error { return nil }

func (c *MemoryCollector) Percentiles(ctx context.Context, region string, op Operation) (Percentiles, error) {
	c.mu.Lock()
	samples := append([]float64(nil), c.responseTime[region+":"+string(op)]...)
	c.mu.Unlock()

	sort.Float64s(samples)
	return Percentiles{
		Region: region, Operation: op,
		P50: percentileOf(samples, 0.50), P95: percentileOf(samples, 0.95), P99: percentileOf(samples, 0.99),
		Samples: len(samples),
	}, nil
}

func (c *MemoryCollector) Snapshot(ctx context.Context, region string) (Snapshot, error) {
	c.mu.Lock()
	counters := make(map[Metric]int64, len(c.counters[region]))
	for k, v := range c.counters[region] {
		counters[k] = v
	}
	c.mu.Unlock()

	snap := Snapshot{Region: region, Counters: counters, GlobalCounters: counters, ResponseTimeMs: make(map[string]float64)}
	hits := counters[MetricHit]
	misses := counters[MetricMiss]
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

func (c *MemoryCollector) CheckAlerts(ctx context.Context, region string, thresholds Thresholds) ([]Alert, error) {
	snap, err := c.Snapshot(ctx, region)
	if err != nil {
		return nil, err
	}

	var fired []Alert
	now := time.Now()
	tryFire := func(t AlertType, value, threshold float64) {
		key := region + ":" + string(t)
		c.mu.Lock()
		last, ok := c.lastAlert[key]
		due := !ok || now.Sub(last) >= AlertDedupWindow
		if due {
			c.lastAlert[key] = now
		}
		c.mu.Unlock()
		if due {
			observability.StatsAlertsTotal.WithLabelValues(region, string(t)).Inc()
			fired = append(fired, Alert{Region: region, Type: t, Value: value, Threshold: threshold, FiredAt: now})
		}
	}

	if thresholds.MinHitRate > 0 && snap.HitRate < thresholds.MinHitRate {
		tryFire(AlertLowHitRate, snap.HitRate, thresholds.MinHitRate)
	}
	if thresholds.MaxResponseTime > 0 && snap.ResponseTimeMs["p95"] > thresholds.MaxResponseTime {
		tryFire(AlertHighResponseTime, snap.ResponseTimeMs["p95"], thresholds.MaxResponseTime)
	}
	if thresholds.MaxErrorRate > 0 {
		total := snap.Counters[MetricHit] + snap.Counters[MetricMiss] + snap.Counters[MetricSet]
		var errRate float64
		if total > 0 {
			errRate = float64(snap.Counters[MetricError]) / float64(total)
		}
		if errRate > thresholds.MaxErrorRate {
			tryFire(AlertHighErrorRate, errRate, thresholds.MaxErrorRate)
		}
	}
	return fired, nil
}
