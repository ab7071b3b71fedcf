package stats

import "context"

// Collector is the C5 contract. Every Record* call updates both the
// per-instance and the per-region-global counter. RedisCollector sends the
// pair of increments in one pipelined round trip (a plain pipeline, not a
// MULTI transaction); MemoryCollector keeps a single counter set that
// serves as both.
type Collector interface {
	RecordHit(ctx context.Context, region string) error
	RecordMiss(ctx context.Context, region string) error
	RecordSet(ctx context.Context, region string, bytes int64) error
	RecordRemove(ctx context.Context, region string) error
	RecordEviction(ctx context.Context, region string) error
	RecordError(ctx context.Context, region string) error
	RecordResponseTime(ctx context.Context, region string, op Operation, millis float64) error

	// Heartbeat marks this instance live for HeartbeatTTL; Unregister
	// removes it immediately (graceful shutdown) rather than waiting for
	// the heartbeat to lapse.
	Heartbeat(ctx context.Context, region string) error
	Unregister(ctx context.Context, region string) error

	// Percentiles computes p50/p95/p99 over the union of response-time
	// samples across every currently-live instance in region.
	Percentiles(ctx context.Context, region string, op Operation) (Percentiles, error)

	Snapshot(ctx context.Context, region string) (Snapshot, error)

	// CheckAlerts evaluates thresholds and fires (returns) any alert whose
	// dedup window has elapsed for (region, alert_type).
	CheckAlerts(ctx context.Context, region string, thresholds Thresholds) ([]Alert, error)
}
