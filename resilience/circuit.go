package resilience

import (
	"sync"
	"time"
)

// CircuitState mirrors scheduler.CircuitState, generalized from scheduler
// admission to one breaker per provider.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitBreaker gates calls to a single provider independently of its
// ProviderHealth state: health drives the slower state machine
// (Throttled/Quarantined/...), while the breaker trips immediately on a
// burst of failures and resets on a cooldown, adapted from
// scheduler.CircuitBreaker's ShouldAdmit/RecordSuccess/RecordFailure
// shape.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          CircuitState
	openedAt       time.Time
	failureLimit   int
	failureStreak  int
	cooldownPeriod time.Duration
}

func NewCircuitBreaker(failureLimit int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{failureLimit: failureLimit, cooldownPeriod: cooldown}
}

func (cb *CircuitBreaker) ShouldAdmit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) > cb.cooldownPeriod {
			cb.state = CircuitClosed
			cb.failureStreak = 0
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureStreak = 0
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureStreak++
	if cb.failureStreak >= cb.failureLimit {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// StuckOpenSince reports how long the breaker has continuously been open,
// or false if it is currently closed.
func (cb *CircuitBreaker) StuckOpenSince() (time.Duration, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0, false
	}
	return time.Since(cb.openedAt), true
}

// ForceReset closes the breaker regardless of cooldown, used by the
// recovery timer's self-healing pass.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureStreak = 0
}

// CircuitFor returns the breaker for provider, creating one with the
// given defaults on first use.
func (r *Registry) CircuitFor(provider string, failureLimit int, cooldown time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakers == nil {
		r.breakers = make(map[string]*CircuitBreaker)
	}
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb := NewCircuitBreaker(failureLimit, cooldown)
	r.breakers[provider] = cb
	return cb
}

// ResetStuckBreakers force-closes any breaker that has been continuously
// open longer than after, per spec §4.7's self-healing step.
func (r *Registry) ResetStuckBreakers(after time.Duration) []string {
	r.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, v := range r.breakers {
		breakers[k] = v
	}
	r.mu.Unlock()

	var reset []string
	for provider, cb := range breakers {
		if stuckFor, open := cb.StuckOpenSince(); open && stuckFor > after {
			cb.ForceReset()
			reset = append(reset, provider)
		}
	}
	return reset
}
