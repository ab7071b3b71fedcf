package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/observability"
)

// ProbeFunc performs an external health probe against a quarantined
// provider; the orchestrator's provider-adapter collaborator supplies the
// concrete implementation (out of scope here per spec §1; adapters are
// an external collaborator).
type ProbeFunc func(ctx context.Context, provider string) (healthy bool, err error)

// Registry tracks every provider's ProviderHealth and applies the health
// state machine under a single mutex, so a single health-check timer
// serializes every provider's transitions instead of racing concurrent
// callers.
type Registry struct {
	mu         sync.Mutex
	providers  map[string]*ProviderHealth
	breakers   map[string]*CircuitBreaker
	thresholds Thresholds
	publisher  eventbus.Publisher
}

func NewRegistry(thresholds Thresholds, publisher eventbus.Publisher) *Registry {
	return &Registry{
		providers:  make(map[string]*ProviderHealth),
		thresholds: thresholds.withDefaults(),
		publisher:  publisher,
	}
}

func (r *Registry) ensure(provider, capability, modelCategory string) *ProviderHealth {
	if p, ok := r.providers[provider]; ok {
		return p
	}
	p := &ProviderHealth{
		Provider: provider, Capability: capability, ModelCategory: modelCategory,
		State: StateHealthy, HealthScore: 1.0, ThrottleLevel: ThrottleLevelFull,
		LastTransitionAt: time.Now(),
	}
	r.providers[provider] = p
	return p
}

// Get returns a copy of the current health record for provider, or false
// if it has never been registered.
func (r *Registry) Get(provider string) (ProviderHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[provider]
	if !ok {
		return ProviderHealth{}, false
	}
	return *p, true
}

// Healthy returns every provider currently in StateHealthy that supports
// the given capability and model category, used by failover selection.
func (r *Registry) Healthy(capability, modelCategory string) []ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ProviderHealth
	for _, p := range r.providers {
		if p.State == StateHealthy && p.Capability == capability && p.ModelCategory == modelCategory {
			out = append(out, *p)
		}
	}
	return out
}

// Snapshot returns a copy of every tracked provider's health record,
// for the operational dashboard and debug endpoints.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderHealth, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	return out
}

// RecordOutcome updates the rolling failure count and response time used
// by the next health-check tick. success=false increments
// ConsecutiveFailures; success=true resets it to zero.
func (r *Registry) RecordOutcome(provider, capability, modelCategory string, success bool, responseTime time.Duration, probeScore float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.ensure(provider, capability, modelCategory)
	if success {
		p.ConsecutiveFailures = 0
	} else {
		p.ConsecutiveFailures++
	}
	// Exponential moving average keeps AvgResponseTime representative of
	// recent behavior without storing a full sample window.
	if p.AvgResponseTime == 0 {
		p.AvgResponseTime = responseTime
	} else {
		p.AvgResponseTime = (p.AvgResponseTime*4 + responseTime) / 5
	}

	failureRate := 0.0
	if p.ConsecutiveFailures > 0 {
		failureRate = float64(p.ConsecutiveFailures) / float64(r.thresholds.FailureThreshold)
		if failureRate > 1 {
			failureRate = 1
		}
	}
	responseTimeScore := 1.0
	if p.AvgResponseTime > r.thresholds.SlowThreshold {
		responseTimeScore = 0.0
	}
	p.CalculateHealthScore(probeScore, failureRate, responseTimeScore)
	observability.ProviderHealthScore.WithLabelValues(provider).Set(p.HealthScore)
}

// RunHealthCheck applies the Healthy->Quarantined and Healthy->Throttled
// transitions for every tracked provider. isHealthy, when it has an entry
// for a provider, is an explicit out-of-band signal (e.g. a circuit
// breaker forcing the call): a false entry quarantines the provider
// regardless of its failure count, while a true entry does not prevent a
// failure-count quarantine.
func (r *Registry) RunHealthCheck(ctx context.Context, isHealthy map[string]bool) {
	r.mu.Lock()
	var toQuarantine []*ProviderHealth
	now := time.Now()
	for _, p := range r.providers {
		if p.State != StateHealthy {
			continue
		}
		healthy := true
		if v, ok := isHealthy[p.Provider]; ok {
			healthy = v
		}
		if !healthy || p.ConsecutiveFailures >= r.thresholds.FailureThreshold {
			p.State = StateQuarantined
			p.ThrottleLevel = 0
			p.QuarantinedAt = now
			p.LastTransitionAt = now
			toQuarantine = append(toQuarantine, p)
			continue
		}
		if p.AvgResponseTime > r.thresholds.SlowThreshold {
			p.State = StateThrottled
			p.ThrottleLevel = ThrottleLevelThrottled
			p.LastTransitionAt = now
		}
	}
	r.mu.Unlock()

	for _, p := range toQuarantine {
		observability.ProviderState.WithLabelValues(p.Provider).Set(float64(StateQuarantined))
		observability.ProviderQuarantineTotal.WithLabelValues(p.Provider, "health_check").Inc()
		r.publishQuarantine(ctx, p.Provider, "consecutive_failures_or_unhealthy_probe")
	}
}

// RunRecovery probes every Quarantined provider, advances Quarantined ->
// Recovering -> Healthy, and ages out Quarantined -> PermanentlyFailed
// once MaximumQuarantine elapses without recovery. probe is invoked at
// most once per quarantined provider per call.
func (r *Registry) RunRecovery(ctx context.Context, probe ProbeFunc) {
	r.mu.Lock()
	var candidates []*ProviderHealth
	for _, p := range r.providers {
		if p.State == StateQuarantined || p.State == StateRecovering {
			candidates = append(candidates, p)
		}
	}
	r.mu.Unlock()

	now := time.Now()
	for _, p := range candidates {
		r.mu.Lock()
		quarantinedAt := p.QuarantinedAt
		state := p.State
		r.mu.Unlock()

		if state == StateQuarantined {
			if now.Sub(quarantinedAt) > r.thresholds.MaximumQuarantine {
				r.mu.Lock()
				p.State = StatePermanentlyFailed
				p.LastTransitionAt = now
				r.mu.Unlock()
				observability.ProviderState.WithLabelValues(p.Provider).Set(float64(StatePermanentlyFailed))
				continue
			}
			if now.Sub(quarantinedAt) < r.thresholds.MinimumQuarantine {
				continue
			}
		}

		healthy := false
		if probe != nil {
			var err error
			healthy, err = probe(ctx, p.Provider)
			if err != nil {
				healthy = false
			}
		}
		p.LastProbeAt = now
		if !healthy {
			continue
		}

		r.mu.Lock()
		switch p.State {
		case StateQuarantined:
			p.State = StateRecovering
			p.ThrottleLevel = ThrottleLevelQuarantineStart
			p.LastTransitionAt = now
			r.mu.Unlock()
			observability.ProviderState.WithLabelValues(p.Provider).Set(float64(StateRecovering))
			r.publishRecovery(ctx, p.Provider)
		case StateRecovering:
			if p.ThrottleLevel < ThrottleLevelFull {
				p.ThrottleLevel += 0.2
				if p.ThrottleLevel > ThrottleLevelFull {
					p.ThrottleLevel = ThrottleLevelFull
				}
			}
			becameHealthy := false
			if p.HealthScore > r.thresholds.RecoveryThreshold {
				p.State = StateHealthy
				p.ThrottleLevel = ThrottleLevelFull
				p.ConsecutiveFailures = 0
				p.LastTransitionAt = now
				becameHealthy = true
			}
			r.mu.Unlock()
			if becameHealthy {
				observability.ProviderState.WithLabelValues(p.Provider).Set(float64(StateHealthy))
			}
		default:
			r.mu.Unlock()
		}
	}
}

type capabilityModelPair struct {
	capability    string
	modelCategory string
}

// trackedCapabilityModelPairs returns the distinct (capability,
// modelCategory) pairs across every registered provider, so self-healing
// can rebalance each pair's traffic split once per recovery tick.
func (r *Registry) trackedCapabilityModelPairs() []capabilityModelPair {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[capabilityModelPair]bool)
	var pairs []capabilityModelPair
	for _, p := range r.providers {
		key := capabilityModelPair{capability: p.Capability, modelCategory: p.ModelCategory}
		if !seen[key] {
			seen[key] = true
			pairs = append(pairs, key)
		}
	}
	return pairs
}

func (r *Registry) publishQuarantine(ctx context.Context, provider, reason string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, eventbus.ProviderQuarantined, QuarantineEvent{Provider: provider, Reason: reason, At: time.Now()})
}

func (r *Registry) publishRecovery(ctx context.Context, provider string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, eventbus.ProviderRecoveryInitiated, RecoveryEvent{Provider: provider, At: time.Now()})
}
