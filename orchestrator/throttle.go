package orchestrator

import (
	"sync"

	"golang.org/x/time/rate"
)

// ThrottleGate scales a per-provider token bucket by the resilience
// registry's throttle_level, so a Throttled provider (50% traffic) or a
// Recovering one (ramping 10%→100%) sheds a proportional share of
// dispatch attempts instead of either the full load or none of it.
type ThrottleGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	baseRPS  float64
}

func NewThrottleGate(baseRPS float64) *ThrottleGate {
	return &ThrottleGate{limiters: make(map[string]*rate.Limiter), baseRPS: baseRPS}
}

// Allow reports whether a dispatch attempt to provider is admitted right
// now, given its current throttle_level (1.0 = unrestricted).
func (g *ThrottleGate) Allow(provider string, throttleLevel float64) bool {
	if throttleLevel >= 1.0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := rate.Limit(g.baseRPS * throttleLevel)
	lim, ok := g.limiters[provider]
	if !ok {
		burst := int(g.baseRPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(limit, burst)
		g.limiters[provider] = lim
	} else {
		lim.SetLimit(limit)
	}
	return lim.Allow()
}
