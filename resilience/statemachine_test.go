package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/conduitgw/gateway/eventbus"
)

func TestRecordOutcomeTracksConsecutiveFailures(t *testing.T) {
	reg := NewRegistry(Thresholds{}, eventbus.NewMemoryBus("test"))

	reg.RecordOutcome("openai", "transcription", "audio", false, 100*time.Millisecond, 1.0)
	reg.RecordOutcome("openai", "transcription", "audio", false, 100*time.Millisecond, 1.0)
	health, ok := reg.Get("openai")
	if !ok {
		t.Fatal("expected provider to be registered")
	}
	if health.ConsecutiveFailures != 2 {
		t.Fatalf("consecutive failures = %d, want 2", health.ConsecutiveFailures)
	}

	reg.RecordOutcome("openai", "transcription", "audio", true, 100*time.Millisecond, 1.0)
	health, _ = reg.Get("openai")
	if health.ConsecutiveFailures != 0 {
		t.Fatalf("expected reset to 0 after success, got %d", health.ConsecutiveFailures)
	}
}

func TestHealthCheckQuarantinesOnFailureThreshold(t *testing.T) {
	bus := eventbus.NewMemoryBus("test")
	reg := NewRegistry(Thresholds{FailureThreshold: 3}, bus)

	quarantined := make(chan eventbus.Event, 1)
	bus.Subscribe(context.Background(), eventbus.ProviderQuarantined, func(e eventbus.Event) {
		quarantined <- e
	})

	for i := 0; i < 3; i++ {
		reg.RecordOutcome("flaky", "tts", "audio", false, 10*time.Millisecond, 0.5)
	}
	reg.RunHealthCheck(context.Background(), nil)

	health, _ := reg.Get("flaky")
	if health.State != StateQuarantined {
		t.Fatalf("state = %s, want quarantined", health.State)
	}

	select {
	case <-quarantined:
	case <-time.After(time.Second):
		t.Fatal("expected ProviderQuarantined event")
	}
}

func TestHealthCheckThrottlesOnSlowResponse(t *testing.T) {
	reg := NewRegistry(Thresholds{SlowThreshold: 50 * time.Millisecond}, eventbus.NewMemoryBus("test"))

	reg.RecordOutcome("slow", "tts", "audio", true, 500*time.Millisecond, 1.0)
	reg.RunHealthCheck(context.Background(), nil)

	health, _ := reg.Get("slow")
	if health.State != StateThrottled {
		t.Fatalf("state = %s, want throttled", health.State)
	}
	if health.ThrottleLevel != ThrottleLevelThrottled {
		t.Fatalf("throttle level = %v, want %v", health.ThrottleLevel, ThrottleLevelThrottled)
	}
}

func TestRecoveryAdvancesQuarantinedToRecoveringToHealthy(t *testing.T) {
	reg := NewRegistry(Thresholds{FailureThreshold: 1, MinimumQuarantine: -time.Second, RecoveryThreshold: 0.5}, eventbus.NewMemoryBus("test"))

	reg.RecordOutcome("recov", "tts", "audio", false, 10*time.Millisecond, 1.0)
	reg.RunHealthCheck(context.Background(), nil)
	health, _ := reg.Get("recov")
	if health.State != StateQuarantined {
		t.Fatalf("expected quarantined, got %s", health.State)
	}

	probe := func(ctx context.Context, provider string) (bool, error) { return true, nil }

	reg.RunRecovery(context.Background(), probe)
	health, _ = reg.Get("recov")
	if health.State != StateRecovering {
		t.Fatalf("expected recovering after first successful probe, got %s", health.State)
	}

	reg.RecordOutcome("recov", "tts", "audio", true, 10*time.Millisecond, 1.0)
	reg.RunRecovery(context.Background(), probe)
	health, _ = reg.Get("recov")
	if health.State != StateHealthy {
		t.Fatalf("expected healthy after recovery threshold met, got %s", health.State)
	}
	if health.ThrottleLevel != ThrottleLevelFull {
		t.Fatalf("throttle level = %v, want %v", health.ThrottleLevel, ThrottleLevelFull)
	}
}

func TestRecoveryPermanentlyFailsAfterMaximumQuarantine(t *testing.T) {
	reg := NewRegistry(Thresholds{FailureThreshold: 1, MinimumQuarantine: 0, MaximumQuarantine: -time.Second}, eventbus.NewMemoryBus("test"))

	reg.RecordOutcome("dead", "tts", "audio", false, 10*time.Millisecond, 0)
	reg.RunHealthCheck(context.Background(), nil)

	reg.RunRecovery(context.Background(), func(ctx context.Context, provider string) (bool, error) { return false, nil })
	health, _ := reg.Get("dead")
	if health.State != StatePermanentlyFailed {
		t.Fatalf("state = %s, want permanently_failed", health.State)
	}
}

func TestSelectFailoverPicksHighestHealthScore(t *testing.T) {
	reg := NewRegistry(Thresholds{}, eventbus.NewMemoryBus("test"))
	reg.RecordOutcome("a", "tts", "audio", true, 10*time.Millisecond, 0.6)
	reg.RecordOutcome("b", "tts", "audio", true, 10*time.Millisecond, 0.95)

	target, ok := reg.SelectFailover("tts", "audio")
	if !ok {
		t.Fatal("expected a failover target")
	}
	if target.Provider != "b" {
		t.Fatalf("target = %s, want b", target.Provider)
	}
}

func TestSelectFailoverNoneWhenNoHealthyProviders(t *testing.T) {
	reg := NewRegistry(Thresholds{}, eventbus.NewMemoryBus("test"))
	_, ok := reg.SelectFailover("tts", "audio")
	if ok {
		t.Fatal("expected no failover target with no registered providers")
	}
}

func TestRebalanceSplitsProportionalToHealthScore(t *testing.T) {
	reg := NewRegistry(Thresholds{}, eventbus.NewMemoryBus("test"))
	reg.RecordOutcome("a", "tts", "audio", true, 10*time.Millisecond, 0.25)
	reg.RecordOutcome("b", "tts", "audio", true, 10*time.Millisecond, 0.75)

	rw := NewProportionalReweighter()
	reg.Rebalance(rw, "tts", "audio")

	if rw.Weight("a")+rw.Weight("b") < 0.99 || rw.Weight("a")+rw.Weight("b") > 1.01 {
		t.Fatalf("weights should sum to ~1, got a=%v b=%v", rw.Weight("a"), rw.Weight("b"))
	}
	if rw.Weight("b") <= rw.Weight("a") {
		t.Fatalf("expected b (higher health score) to get more weight: a=%v b=%v", rw.Weight("a"), rw.Weight("b"))
	}
}

func TestCircuitBreakerOpensAndResetsAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)
	if !cb.ShouldAdmit() {
		t.Fatal("expected breaker to admit while closed")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.ShouldAdmit() {
		t.Fatal("expected breaker to reject after hitting failure limit")
	}
	time.Sleep(30 * time.Millisecond)
	if !cb.ShouldAdmit() {
		t.Fatal("expected breaker to admit again after cooldown")
	}
}

func TestResetStuckBreakersForceClosesOldOpenBreakers(t *testing.T) {
	reg := NewRegistry(Thresholds{}, eventbus.NewMemoryBus("test"))
	cb := reg.CircuitFor("stuck", 1, time.Hour)
	cb.RecordFailure()
	if _, open := cb.StuckOpenSince(); !open {
		t.Fatal("expected breaker to be open")
	}

	reset := reg.ResetStuckBreakers(0)
	if len(reset) != 1 || reset[0] != "stuck" {
		t.Fatalf("expected [stuck] reset, got %v", reset)
	}
	if !cb.ShouldAdmit() {
		t.Fatal("expected breaker to admit after forced reset")
	}
}
