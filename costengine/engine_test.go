package costengine

import (
	"context"
	"errors"
	"math"
	"testing"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.0000001
}

func TestTranscribeUsesBuiltInWhisperRate(t *testing.T) {
	e := NewEngine(nil)
	result := e.Transcribe(context.Background(), "openai", "whisper-1", 60)

	if result.IsEstimate {
		t.Fatal("expected built-in rate, not an estimate")
	}
	if !approxEqual(result.TotalCost.Float64(), 0.006) {
		t.Fatalf("expected $0.006, got %s", result.TotalCost)
	}
	if result.UnitType != UnitPerMinute {
		t.Fatalf("expected per_minute unit type, got %s", result.UnitType)
	}
}

func TestTranscribeFallsBackToEstimateForUnknownModel(t *testing.T) {
	e := NewEngine(nil)
	result := e.Transcribe(context.Background(), "acme", "mystery-model", 120)

	if !result.IsEstimate {
		t.Fatal("expected is_estimate=true for an unknown (provider, model)")
	}
	if result.TotalCost.Float64() <= 0 {
		t.Fatalf("expected a positive fallback cost, got %s", result.TotalCost)
	}
}

func TestSynthesizeBuiltInIsPerCharacter(t *testing.T) {
	e := NewEngine(nil)
	result := e.Synthesize(context.Background(), "openai", "tts-1", 1000)

	if result.UnitType != UnitPerCharacter {
		t.Fatalf("expected per_character for built-in tts rate, got %s", result.UnitType)
	}
	if result.UnitCount != 1000 {
		t.Fatalf("expected unit_count=character_count for built-in tts, got %f", result.UnitCount)
	}
}

func TestRealtimeAppliesFloorOnlyToPositiveDurations(t *testing.T) {
	e := NewEngine(nil)

	short := e.Realtime(context.Background(), "openai", "gpt-4o-realtime-preview", RealtimeUsage{
		InputAudioSeconds: 0.2,
	})
	if short.UnitCount < 1 {
		t.Fatalf("expected the minimum-duration floor (1s) to apply to a 0.2s positive duration, got unit_count=%f", short.UnitCount)
	}

	refund := e.Realtime(context.Background(), "openai", "gpt-4o-realtime-preview", RealtimeUsage{
		InputAudioSeconds: -0.2,
	})
	if refund.UnitCount >= 0 {
		t.Fatalf("expected a negative duration to pass through unfloored, got unit_count=%f", refund.UnitCount)
	}
}

func TestRealtimeBreakdownSumsToTotal(t *testing.T) {
	e := NewEngine(nil)
	result := e.Realtime(context.Background(), "openai", "gpt-4o-realtime-preview", RealtimeUsage{
		InputAudioSeconds:  30,
		OutputAudioSeconds: 10,
		InputTokens:        500,
		OutputTokens:       200,
	})

	var sum Money
	for _, v := range result.DetailedBreakdown {
		sum = sum.Add(v)
	}
	if sum != result.TotalCost {
		t.Fatalf("breakdown components %v should sum to total %s, got %s", result.DetailedBreakdown, result.TotalCost, sum)
	}
}

func TestRefundRequiresReason(t *testing.T) {
	e := NewEngine(nil)
	original := e.Transcribe(context.Background(), "openai", "whisper-1", 60)

	_, err := e.Refund(original, map[string]Money{"total": NewMoneyFromFloat(0.003)}, "")
	if !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
}

func TestRefundClampsToOriginal(t *testing.T) {
	e := NewEngine(nil)
	original := e.Transcribe(context.Background(), "openai", "whisper-1", 60) // $0.006

	refund, err := e.Refund(original, map[string]Money{"total": NewMoneyFromFloat(1.00)}, "customer requested cancellation")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !refund.IsPartialRefund {
		t.Fatal("expected IsPartialRefund when requested exceeds original")
	}
	if refund.TotalRefund != original.TotalCost {
		t.Fatalf("expected refund clamped to original %s, got %s", original.TotalCost, refund.TotalRefund)
	}
}

func TestRefundFullWhenWithinOriginal(t *testing.T) {
	e := NewEngine(nil)
	original := e.Transcribe(context.Background(), "openai", "whisper-1", 60)

	refund, err := e.Refund(original, map[string]Money{"total": original.TotalCost}, "duplicate charge")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.IsPartialRefund {
		t.Fatal("expected a full refund, not partial")
	}
}

func TestChargeIdempotencyKeyIsStableForSameTask(t *testing.T) {
	k1 := ChargeIdempotencyKey("task-abc")
	k2 := ChargeIdempotencyKey("task-abc")
	if k1 != k2 {
		t.Fatalf("expected a stable idempotency key, got %s and %s", k1, k2)
	}
}
