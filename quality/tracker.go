package quality

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// Tracker maintains three independent rolling windows (provider, model,
// language), each keyed by the axis value, with samples pruned once they
// age past WindowRetention. All state is in-process; there is no
// distributed variant because quality windows are derived from completed
// task outcomes an orchestrator instance observes locally and are cheap to
// recompute, unlike the fleet-wide counters in stats.
type Tracker struct {
	mu      sync.Mutex
	windows map[Axis]map[string][]Sample
}

func NewTracker() *Tracker {
	return &Tracker{
		windows: map[Axis]map[string][]Sample{
			AxisProvider: make(map[string][]Sample),
			AxisModel:    make(map[string][]Sample),
			AxisLanguage: make(map[string][]Sample),
		},
	}
}

// Record appends one observation to the named key's window on the given
// axis. confidence and accuracy are expected in [0,1]; wordErrorRate is
// unbounded but typically in [0,1].
func (t *Tracker) Record(axis Axis, key string, confidence, accuracy, wordErrorRate float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.windows[axis][key] = append(t.windows[axis][key], Sample{
		Confidence:    confidence,
		Accuracy:      accuracy,
		WordErrorRate: wordErrorRate,
		Timestamp:     at,
	})
}

// Prune drops samples older than WindowRetention, measured from now.
// Returns the number of samples removed across every axis and key.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-WindowRetention)
	removed := 0
	for axis, byKey := range t.windows {
		for key, samples := range byKey {
			kept := samples[:0]
			for _, s := range samples {
				if s.Timestamp.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, s)
			}
			if len(kept) == 0 {
				delete(byKey, key)
			} else {
				byKey[key] = kept
			}
		}
		t.windows[axis] = byKey
	}
	return removed
}

// Stats computes the derived metrics for one (axis, key) window. Returns
// false if the window has no samples.
func (t *Tracker) Stats(axis Axis, key string) (Stats, bool) {
	t.mu.Lock()
	samples := append([]Sample(nil), t.windows[axis][key]...)
	t.mu.Unlock()

	if len(samples) == 0 {
		return Stats{}, false
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	s := Stats{Axis: axis, Key: key, Count: len(samples)}
	s.MinConfidence = math.Inf(1)
	s.MaxConfidence = math.Inf(-1)

	var sumConf, sumAcc, sumWER float64
	var lowCount, highCount int
	for _, sample := range samples {
		sumConf += sample.Confidence
		sumAcc += sample.Accuracy
		sumWER += sample.WordErrorRate
		if sample.Confidence < s.MinConfidence {
			s.MinConfidence = sample.Confidence
		}
		if sample.Confidence > s.MaxConfidence {
			s.MaxConfidence = sample.Confidence
		}
		if sample.Confidence < LowConfidenceThreshold {
			lowCount++
		}
		if sample.Confidence >= HighConfidenceThreshold {
			highCount++
		}
	}
	n := float64(len(samples))
	s.AvgConfidence = sumConf / n
	s.AvgAccuracy = sumAcc / n
	s.AvgWordErrorRate = sumWER / n
	s.LowConfidenceRate = float64(lowCount) / n
	s.HighConfidenceRate = float64(highCount) / n

	var variance float64
	for _, sample := range samples {
		d := sample.Confidence - s.AvgConfidence
		variance += d * d
	}
	s.StdDevConfidence = math.Sqrt(variance / n)

	s.Trend = trendOf(samples)
	observability.QualityAverageConfidence.WithLabelValues(string(axis), key).Set(s.AvgConfidence)
	return s, true
}

// trendOf compares the mean confidence of the oldest TrendSampleSize
// samples against the newest TrendSampleSize. With fewer than
// 2*TrendSampleSize samples the two windows overlap, which is accepted
// here since a short-lived window still needs a trend reading.
func trendOf(samples []Sample) Trend {
	if len(samples) < 2 {
		return TrendStable
	}
	n := TrendSampleSize
	if n > len(samples) {
		n = len(samples)
	}
	oldest := samples[:n]
	newest := samples[len(samples)-n:]

	oldAvg := avgConfidence(oldest)
	newAvg := avgConfidence(newest)
	if oldAvg == 0 {
		return TrendStable
	}
	delta := (newAvg - oldAvg) / oldAvg
	switch {
	case delta > TrendImproveDelta:
		return TrendImproving
	case delta < TrendDeclineDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func avgConfidence(samples []Sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Confidence
	}
	return sum / float64(len(samples))
}

// Recommendations evaluates every provider window for low average
// confidence and every language window for high average word error rate.
func (t *Tracker) Recommendations() []Recommendation {
	t.mu.Lock()
	providerKeys := keysOf(t.windows[AxisProvider])
	languageKeys := keysOf(t.windows[AxisLanguage])
	t.mu.Unlock()

	var recs []Recommendation
	for _, key := range providerKeys {
		stats, ok := t.Stats(AxisProvider, key)
		if ok && stats.AvgConfidence < RecommendProviderConfidence {
			recs = append(recs, Recommendation{
				Type: RecommendationLowProviderConfidence, Axis: AxisProvider, Key: key, Value: stats.AvgConfidence,
			})
		}
	}
	for _, key := range languageKeys {
		stats, ok := t.Stats(AxisLanguage, key)
		if ok && stats.AvgWordErrorRate > RecommendLanguageWER {
			recs = append(recs, Recommendation{
				Type: RecommendationHighLanguageWER, Axis: AxisLanguage, Key: key, Value: stats.AvgWordErrorRate,
			})
		}
	}
	for _, rec := range recs {
		observability.QualityRecommendationsTotal.WithLabelValues(string(rec.Axis), string(rec.Type)).Inc()
	}
	return recs
}

func keysOf(m map[string][]Sample) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
