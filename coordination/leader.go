package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// LeaseMetadata is the JSON value written into the lease key.
type LeaseMetadata struct {
	OwnerID   string    `json:"owner_id"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector runs a single resilience-controller health-check/recovery
// timer pair fleet-wide: only the elected leader runs them, avoiding N
// instances racing to transition the same provider. Fencing is purely
// off the Redis-incremented epoch; provider-health transitions tolerate
// an epoch reset on a full Redis flush, so no separate durable epoch
// store is needed.
type LeaderElector struct {
	coordinator LeaseCoordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()
}

func NewLeaderElector(c LeaseCoordinator, nodeID, lockKey string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{coordinator: c, nodeID: nodeID, lockKey: lockKey, ttl: ttl}
}

func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext is valid only while this node holds leadership; it is
// cancelled the instant leadership is lost, so any in-flight operation
// gated on it observes the loss at its next cooperative yield.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil && !renewed {
					l.stepDown()
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("[COORDINATION] leader election error for %s, backing off to %v: %v", l.lockKey, interval, err)
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil {
		return false, err
	}

	meta := LeaseMetadata{OwnerID: l.nodeID, Epoch: epoch, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(l.ttl)}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(raw)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.currentEpoch = epoch
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.coordinator.ReleaseLease(ctx, l.lockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	epoch := l.currentEpoch
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	log.Printf("[COORDINATION] %s acquired leadership (epoch %d) for %s", l.nodeID, epoch, l.lockKey)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("[COORDINATION] %s lost leadership for %s", l.nodeID, l.lockKey)

	if l.onLost != nil {
		l.onLost()
	}
}
