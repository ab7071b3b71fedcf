// Package resilience implements C7: a per-provider health state machine
// with leader-elected health-check and recovery timers, failover
// selection, and provider-weight reweighting.
package resilience

import "time"

// State is one node in the provider health state machine.
type State int

const (
	StateHealthy State = iota
	StateThrottled
	StateQuarantined
	StateRecovering
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateThrottled:
		return "throttled"
	case StateQuarantined:
		return "quarantined"
	case StateRecovering:
		return "recovering"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold     = 5
	DefaultSlowThreshold        = 3 * time.Second
	DefaultMinimumQuarantine    = 2 * time.Minute
	DefaultMaximumQuarantine    = 30 * time.Minute
	DefaultRecoveryThreshold    = 0.8
	DefaultHealthCheckInterval  = 2 * time.Minute
	DefaultRecoveryInterval     = 5 * time.Minute
	DefaultCircuitBreakerStuckAfter = time.Hour

	ThrottleLevelQuarantineStart = 0.1
	ThrottleLevelThrottled       = 0.5
	ThrottleLevelFull            = 1.0
)

// Thresholds configures the transition rules, overridable per deployment;
// zero-value fields fall back to the Default* constants.
type Thresholds struct {
	FailureThreshold   int
	SlowThreshold      time.Duration
	MinimumQuarantine  time.Duration
	MaximumQuarantine  time.Duration
	RecoveryThreshold  float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.FailureThreshold == 0 {
		t.FailureThreshold = DefaultFailureThreshold
	}
	if t.SlowThreshold == 0 {
		t.SlowThreshold = DefaultSlowThreshold
	}
	if t.MinimumQuarantine == 0 {
		t.MinimumQuarantine = DefaultMinimumQuarantine
	}
	if t.MaximumQuarantine == 0 {
		t.MaximumQuarantine = DefaultMaximumQuarantine
	}
	if t.RecoveryThreshold == 0 {
		t.RecoveryThreshold = DefaultRecoveryThreshold
	}
	return t
}

// ProviderHealth is one provider's current state-machine snapshot, scoped
// to a provider/model-category pair rather than to a single agent node.
type ProviderHealth struct {
	Provider            string
	Capability          string // e.g. "transcription", "tts", "image"
	ModelCategory        string
	State               State
	HealthScore         float64 // 0-1 composite blend of probe, failure rate, and latency
	ConsecutiveFailures int
	AvgResponseTime     time.Duration
	ThrottleLevel       float64
	QuarantinedAt       time.Time
	LastProbeAt         time.Time
	LastTransitionAt    time.Time
}

// CalculateHealthScore derives a 0-1 composite score, blending recent
// probe success, observed failure rate, and response time into one
// weighted signal.
func (p *ProviderHealth) CalculateHealthScore(probeScore, failureRate, responseTimeScore float64) {
	p.HealthScore = (0.3 * probeScore) + (0.5 * (1 - failureRate)) + (0.2 * responseTimeScore)
}

// FailoverEvent is the payload for ProviderFailoverInitiated/Reverted.
type FailoverEvent struct {
	FailedProvider string    `json:"failed_provider"`
	TargetProvider string    `json:"target_provider"`
	Capability     string    `json:"capability"`
	ModelCategory  string    `json:"model_category"`
	At             time.Time `json:"at"`
}

// QuarantineEvent is the payload for ProviderQuarantined.
type QuarantineEvent struct {
	Provider string    `json:"provider"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// RecoveryEvent is the payload for ProviderRecoveryInitiated.
type RecoveryEvent struct {
	Provider string    `json:"provider"`
	At       time.Time `json:"at"`
}
