package stats

import (
	"context"
	"testing"
)

func TestMemoryCollectorCountersHitRate(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.RecordHit(ctx, "us-east"); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
	}
	if err := c.RecordMiss(ctx, "us-east"); err != nil {
		t.Fatalf("RecordMiss: %v", err)
	}

	snap, err := c.Snapshot(ctx, "us-east")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Counters[MetricHit] != 3 || snap.Counters[MetricMiss] != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
	if want := 0.75; snap.HitRate != want {
		t.Fatalf("hit rate = %v, want %v", snap.HitRate, want)
	}
}

func TestMemoryCollectorSetTracksBytes(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	if err := c.RecordSet(ctx, "eu-west", 2048); err != nil {
		t.Fatalf("RecordSet: %v", err)
	}
	snap, _ := c.Snapshot(ctx, "eu-west")
	if snap.Counters[MetricSet] != 1 {
		t.Fatalf("set count = %d, want 1", snap.Counters[MetricSet])
	}
	if snap.Counters[MetricTotalDataBytes] != 2048 {
		t.Fatalf("total bytes = %d, want 2048", snap.Counters[MetricTotalDataBytes])
	}
}

func TestMemoryCollectorResponseTimePercentiles(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	for _, ms := range []float64{10, 20, 30, 40, 100} {
		if err := c.RecordResponseTime(ctx, "us-east", OpGet, ms); err != nil {
			t.Fatalf("RecordResponseTime: %v", err)
		}
	}

	p, err := c.Percentiles(ctx, "us-east", OpGet)
	if err != nil {
		t.Fatalf("Percentiles: %v", err)
	}
	if p.Samples != 5 {
		t.Fatalf("samples = %d, want 5", p.Samples)
	}
	if p.P50 != 30 {
		t.Fatalf("p50 = %v, want 30", p.P50)
	}
	if p.P99 != 100 {
		t.Fatalf("p99 = %v, want 100", p.P99)
	}
}

func TestMemoryCollectorResponseTimeTrimsToMax(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	for i := 0; i < MaxResponseSamples+50; i++ {
		if err := c.RecordResponseTime(ctx, "us-east", OpSet, float64(i)); err != nil {
			t.Fatalf("RecordResponseTime: %v", err)
		}
	}
	p, err := c.Percentiles(ctx, "us-east", OpSet)
	if err != nil {
		t.Fatalf("Percentiles: %v", err)
	}
	if p.Samples != MaxResponseSamples {
		t.Fatalf("samples = %d, want %d", p.Samples, MaxResponseSamples)
	}
}

func TestMemoryCollectorAlertFiresOnceInDedupWindow(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	if err := c.RecordMiss(ctx, "us-east"); err != nil {
		t.Fatalf("RecordMiss: %v", err)
	}

	thresholds := Thresholds{MinHitRate: 0.9}

	first, err := c.CheckAlerts(ctx, "us-east", thresholds)
	if err != nil {
		t.Fatalf("CheckAlerts: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(first))
	}
	if first[0].Type != AlertLowHitRate {
		t.Fatalf("alert type = %s, want %s", first[0].Type, AlertLowHitRate)
	}

	second, err := c.CheckAlerts(ctx, "us-east", thresholds)
	if err != nil {
		t.Fatalf("CheckAlerts: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected dedup to suppress repeat alert, got %d", len(second))
	}
}

func TestMemoryCollectorAlertRequiresThresholdSet(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	if err := c.RecordMiss(ctx, "us-east"); err != nil {
		t.Fatalf("RecordMiss: %v", err)
	}

	alerts, err := c.CheckAlerts(ctx, "us-east", Thresholds{})
	if err != nil {
		t.Fatalf("CheckAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts with zero-value thresholds, got %d", len(alerts))
	}
}

func TestMemoryCollectorHighErrorRateAlert(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := c.RecordHit(ctx, "us-east"); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
	}
	if err := c.RecordError(ctx, "us-east"); err != nil {
		t.Fatalf("RecordError: %v", err)
	}

	alerts, err := c.CheckAlerts(ctx, "us-east", Thresholds{MaxErrorRate: 0.05})
	if err != nil {
		t.Fatalf("CheckAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != AlertHighErrorRate {
		t.Fatalf("expected a high_error_rate alert, got %+v", alerts)
	}
}

func TestPercentileOfEmptyIsZero(t *testing.T) {
	if got := percentileOf(nil, 0.5); got != 0 {
		t.Fatalf("percentileOf(nil) = %v, want 0", got)
	}
}
