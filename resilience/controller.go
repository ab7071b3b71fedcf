package resilience

import (
	"context"
	"log"
	"time"

	"github.com/conduitgw/gateway/coordination"
)

// StaleCacheClearer is implemented by whatever owns region cache state
// (C5's collector in this gateway); self-healing calls it with no
// arguments since clearing is region-scoped infrastructure, not
// provider-scoped.
type StaleCacheClearer interface {
	ClearStaleEntries(ctx context.Context) error
}

// Controller runs the health-check and recovery timers. Both only fire
// while this instance holds leadership (coordination.LeaderElector), so
// a single health-check timer serializes every provider's transitions
// fleet-wide instead of two instances racing to quarantine the same
// provider.
type Controller struct {
	registry        *Registry
	elector         *coordination.LeaderElector
	healthInterval  time.Duration
	recoveryInterval time.Duration
	probe           ProbeFunc
	reweighter      WeightReweighter
	cacheClearer    StaleCacheClearer
	healthSource    func() map[string]bool
}

type ControllerOption func(*Controller)

func WithProbe(p ProbeFunc) ControllerOption                  { return func(c *Controller) { c.probe = p } }
func WithReweighter(w WeightReweighter) ControllerOption      { return func(c *Controller) { c.reweighter = w } }
func WithCacheClearer(cc StaleCacheClearer) ControllerOption  { return func(c *Controller) { c.cacheClearer = cc } }
func WithHealthSource(f func() map[string]bool) ControllerOption {
	return func(c *Controller) { c.healthSource = f }
}

func NewController(registry *Registry, elector *coordination.LeaderElector, healthInterval, recoveryInterval time.Duration, opts ...ControllerOption) *Controller {
	c := &Controller{registry: registry, elector: elector, healthInterval: healthInterval, recoveryInterval: recoveryInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers this controller's health-check and recovery loops with
// the elector so they start the instant leadership is acquired and stop
// the instant it's lost.
func (c *Controller) Start(ctx context.Context) {
	c.elector.SetCallbacks(c.onElected, func() {})
}

func (c *Controller) onElected(leaderCtx context.Context) {
	go c.healthCheckLoop(leaderCtx)
	go c.recoveryLoop(leaderCtx)
}

func (c *Controller) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var signal map[string]bool
			if c.healthSource != nil {
				signal = c.healthSource()
			}
			c.registry.RunHealthCheck(ctx, signal)
		}
	}
}

func (c *Controller) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.registry.RunRecovery(ctx, c.probe)
			c.selfHeal(ctx)
		}
	}
}

// selfHeal performs the three actions spec §4.7 lists alongside the
// recovery probe: reset circuit breakers stuck open for over an hour,
// rebalance weights proportional to health_score, and clear stale cache
// entries.
func (c *Controller) selfHeal(ctx context.Context) {
	if reset := c.registry.ResetStuckBreakers(DefaultCircuitBreakerStuckAfter); len(reset) > 0 {
		log.Printf("[RESILIENCE] reset %d stuck circuit breaker(s): %v", len(reset), reset)
	}
	if c.reweighter != nil {
		for _, key := range c.registry.trackedCapabilityModelPairs() {
			c.registry.Rebalance(c.reweighter, key.capability, key.modelCategory)
		}
	}
	if c.cacheClearer != nil {
		if err := c.cacheClearer.ClearStaleEntries(ctx); err != nil {
			log.Printf("[RESILIENCE] clear stale cache entries failed: %v", err)
		}
	}
}
