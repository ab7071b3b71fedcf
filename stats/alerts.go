package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitgw/gateway/observability"
)

func alertDedupKey(region string, alertType AlertType) string {
	return fmt.Sprintf("conduit:cache:alert:%s:%s", region, alertType)
}

// CheckAlerts evaluates region thresholds against the current snapshot and
// fires (returns) any breach whose dedup key isn't already set, using
// SetNX with AlertDedupWindow as the lock-like gate: the same
// SET-NX-with-TTL idiom used for distributed locks, applied here to
// suppress duplicate notifications instead of mutual exclusion.
func (c *RedisCollector) CheckAlerts(ctx context.Context, region string, thresholds Thresholds) ([]Alert, error) {
	snap, err := c.Snapshot(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("stats: check_alerts snapshot: %w", err)
	}

	var fired []Alert
	now := time.Now()

	if thresholds.MinHitRate > 0 && snap.HitRate < thresholds.MinHitRate {
		if a, ok := c.tryFire(ctx, region, AlertLowHitRate, snap.HitRate, thresholds.MinHitRate, now); ok {
			fired = append(fired, a)
		}
	}
	if thresholds.MaxResponseTime > 0 && snap.ResponseTimeMs["p95"] > thresholds.MaxResponseTime {
		if a, ok := c.tryFire(ctx, region, AlertHighResponseTime, snap.ResponseTimeMs["p95"], thresholds.MaxResponseTime, now); ok {
			fired = append(fired, a)
		}
	}
	if thresholds.MaxErrorRate > 0 {
		total := snap.GlobalCounters[MetricHit] + snap.GlobalCounters[MetricMiss] + snap.GlobalCounters[MetricSet]
		var errRate float64
		if total > 0 {
			errRate = float64(snap.GlobalCounters[MetricError]) / float64(total)
		}
		if errRate > thresholds.MaxErrorRate {
			if a, ok := c.tryFire(ctx, region, AlertHighErrorRate, errRate, thresholds.MaxErrorRate, now); ok {
				fired = append(fired, a)
			}
		}
	}
	return fired, nil
}

func (c *RedisCollector) tryFire(ctx context.Context, region string, t AlertType, value, threshold float64, now time.Time) (Alert, bool) {
	ok, err := c.client.SetNX(ctx, alertDedupKey(region, t), now.Format(time.RFC3339), AlertDedupWindow).Result()
	if err != nil || !ok {
		return Alert{}, false
	}
	observability.StatsAlertsTotal.WithLabelValues(region, string(t)).Inc()
	return Alert{Region: region, Type: t, Value: value, Threshold: threshold, FiredAt: now}, true
}
