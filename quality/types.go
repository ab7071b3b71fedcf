// Package quality implements C6: rolling confidence/accuracy/word-error-rate
// windows per provider, model, and language, with trend detection and
// threshold-based recommendations.
package quality

import "time"

const (
	WindowRetention = 24 * time.Hour

	LowConfidenceThreshold  = 0.7
	HighConfidenceThreshold = 0.95

	TrendSampleSize    = 5
	TrendImproveDelta  = 0.05
	TrendDeclineDelta  = -0.05

	RecommendProviderConfidence = 0.8
	RecommendLanguageWER        = 0.15
)

// Axis names which dimension a window tracks.
type Axis string

const (
	AxisProvider Axis = "provider"
	AxisModel    Axis = "model"
	AxisLanguage Axis = "language"
)

// Sample is one quality observation recorded against a key on one axis.
type Sample struct {
	Confidence     float64
	Accuracy       float64
	WordErrorRate  float64
	Timestamp      time.Time
}

// Trend direction compares the oldest TrendSampleSize confidence samples
// against the newest TrendSampleSize.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Stats is the derived-metric bundle for one (axis, key) window.
type Stats struct {
	Axis              Axis
	Key               string
	Count             int
	AvgConfidence     float64
	MinConfidence     float64
	MaxConfidence     float64
	StdDevConfidence  float64
	AvgAccuracy       float64
	AvgWordErrorRate  float64
	LowConfidenceRate float64
	HighConfidenceRate float64
	Trend             Trend
}

// RecommendationType names which threshold breach produced a recommendation.
type RecommendationType string

const (
	RecommendationLowProviderConfidence RecommendationType = "low_provider_confidence"
	RecommendationHighLanguageWER       RecommendationType = "high_language_wer"
)

// Recommendation is emitted when a window's derived metric crosses a fixed
// threshold, per spec: provider avg confidence < 0.8, language avg WER > 0.15.
type Recommendation struct {
	Type  RecommendationType
	Axis  Axis
	Key   string
	Value float64
}
