package resilience

import (
	"context"
	"time"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/observability"
)

// SelectFailover scans every Healthy provider supporting capability and
// modelCategory and returns the one with the highest HealthScore. Returns false if no healthy alternative
// exists.
func (r *Registry) SelectFailover(capability, modelCategory string) (ProviderHealth, bool) {
	candidates := r.Healthy(capability, modelCategory)
	if len(candidates) == 0 {
		return ProviderHealth{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.HealthScore > best.HealthScore {
			best = c
		}
	}
	return best, true
}

// InitiateFailover selects a target and emits ProviderFailoverInitiated.
// Returns false if no healthy target exists for the capability/model
// category pair.
func (r *Registry) InitiateFailover(ctx context.Context, failedProvider, capability, modelCategory string) (ProviderHealth, bool) {
	target, ok := r.SelectFailover(capability, modelCategory)
	if !ok {
		return ProviderHealth{}, false
	}
	observability.FailoverInitiatedTotal.WithLabelValues(failedProvider, target.Provider).Inc()
	if r.publisher != nil {
		r.publisher.Publish(ctx, eventbus.ProviderFailoverInitiated, FailoverEvent{
			FailedProvider: failedProvider, TargetProvider: target.Provider,
			Capability: capability, ModelCategory: modelCategory, At: time.Now(),
		})
	}
	return target, true
}

// RevertFailover emits ProviderFailoverReverted once the originally
// failed provider has returned to Healthy, signalling traffic should
// gradually shift back.
func (r *Registry) RevertFailover(ctx context.Context, recoveredProvider, targetProvider, capability, modelCategory string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, eventbus.ProviderFailoverReverted, FailoverEvent{
		FailedProvider: recoveredProvider, TargetProvider: targetProvider,
		Capability: capability, ModelCategory: modelCategory, At: time.Now(),
	})
}
