package quality

import (
	"testing"
	"time"
)

func TestRecordAndStatsBasic(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)

	tr.Record(AxisProvider, "openai", 0.9, 0.95, 0.05, now)
	tr.Record(AxisProvider, "openai", 0.6, 0.7, 0.1, now.Add(time.Minute))
	tr.Record(AxisProvider, "openai", 1.0, 1.0, 0.0, now.Add(2*time.Minute))

	stats, ok := tr.Stats(AxisProvider, "openai")
	if !ok {
		t.Fatal("expected stats for openai")
	}
	if stats.Count != 3 {
		t.Fatalf("count = %d, want 3", stats.Count)
	}
	if stats.MinConfidence != 0.6 {
		t.Fatalf("min = %v, want 0.6", stats.MinConfidence)
	}
	if stats.MaxConfidence != 1.0 {
		t.Fatalf("max = %v, want 1.0", stats.MaxConfidence)
	}
	wantAvg := (0.9 + 0.6 + 1.0) / 3
	if diff := stats.AvgConfidence - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg = %v, want %v", stats.AvgConfidence, wantAvg)
	}
}

func TestStatsMissingKeyReturnsFalse(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.Stats(AxisProvider, "missing")
	if ok {
		t.Fatal("expected ok=false for a key with no samples")
	}
}

func TestLowAndHighConfidenceRates(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)

	tr.Record(AxisModel, "whisper-1", 0.5, 0.5, 0.2, now)
	tr.Record(AxisModel, "whisper-1", 0.96, 0.96, 0.01, now)
	tr.Record(AxisModel, "whisper-1", 0.8, 0.8, 0.1, now)

	stats, _ := tr.Stats(AxisModel, "whisper-1")
	if stats.LowConfidenceRate != 1.0/3 {
		t.Fatalf("low confidence rate = %v, want %v", stats.LowConfidenceRate, 1.0/3)
	}
	if stats.HighConfidenceRate != 1.0/3 {
		t.Fatalf("high confidence rate = %v, want %v", stats.HighConfidenceRate, 1.0/3)
	}
}

func TestTrendImprovingAndDeclining(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(1700000000, 0)

	// Improving: early samples low, later samples much higher.
	for i := 0; i < 5; i++ {
		tr.Record(AxisProvider, "up", 0.5, 0.5, 0.1, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 5; i < 10; i++ {
		tr.Record(AxisProvider, "up", 0.9, 0.9, 0.05, base.Add(time.Duration(i)*time.Minute))
	}
	stats, _ := tr.Stats(AxisProvider, "up")
	if stats.Trend != TrendImproving {
		t.Fatalf("trend = %s, want improving", stats.Trend)
	}

	for i := 0; i < 5; i++ {
		tr.Record(AxisProvider, "down", 0.9, 0.9, 0.05, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 5; i < 10; i++ {
		tr.Record(AxisProvider, "down", 0.5, 0.5, 0.1, base.Add(time.Duration(i)*time.Minute))
	}
	stats, _ = tr.Stats(AxisProvider, "down")
	if stats.Trend != TrendDeclining {
		t.Fatalf("trend = %s, want declining", stats.Trend)
	}
}

func TestTrendStableWithFlatConfidence(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		tr.Record(AxisProvider, "flat", 0.8, 0.8, 0.1, base.Add(time.Duration(i)*time.Minute))
	}
	stats, _ := tr.Stats(AxisProvider, "flat")
	if stats.Trend != TrendStable {
		t.Fatalf("trend = %s, want stable", stats.Trend)
	}
}

func TestPruneRemovesOldSamples(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)

	tr.Record(AxisProvider, "openai", 0.9, 0.9, 0.1, now.Add(-25*time.Hour))
	tr.Record(AxisProvider, "openai", 0.8, 0.8, 0.1, now.Add(-1*time.Hour))

	removed := tr.Prune(now)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	stats, ok := tr.Stats(AxisProvider, "openai")
	if !ok || stats.Count != 1 {
		t.Fatalf("expected 1 remaining sample, got %+v ok=%v", stats, ok)
	}
}

func TestPruneDropsEmptiedKeys(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(AxisProvider, "openai", 0.9, 0.9, 0.1, now.Add(-48*time.Hour))

	tr.Prune(now)
	if _, ok := tr.Stats(AxisProvider, "openai"); ok {
		t.Fatal("expected key to be removed once its window empties")
	}
}

func TestRecommendationsLowProviderConfidence(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(AxisProvider, "flaky", 0.5, 0.5, 0.1, now)
	tr.Record(AxisProvider, "flaky", 0.6, 0.6, 0.1, now)

	recs := tr.Recommendations()
	found := false
	for _, r := range recs {
		if r.Type == RecommendationLowProviderConfidence && r.Key == "flaky" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected low-confidence recommendation for flaky, got %+v", recs)
	}
}

func TestRecommendationsHighLanguageWER(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(AxisLanguage, "sw", 0.9, 0.6, 0.3, now)
	tr.Record(AxisLanguage, "sw", 0.9, 0.6, 0.25, now)

	recs := tr.Recommendations()
	found := false
	for _, r := range recs {
		if r.Type == RecommendationHighLanguageWER && r.Key == "sw" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected high-WER recommendation for sw, got %+v", recs)
	}
}

func TestRecommendationsNoneWhenHealthy(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1700000000, 0)
	tr.Record(AxisProvider, "openai", 0.95, 0.95, 0.02, now)
	tr.Record(AxisLanguage, "en", 0.95, 0.95, 0.02, now)

	recs := tr.Recommendations()
	if len(recs) != 0 {
		t.Fatalf("expected no recommendations, got %+v", recs)
	}
}
