package costengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduitgw/gateway/observability"
)

var ErrMissingReason = errors.New("costengine: refund requires a reason")
var ErrRefundExceedsOriginal = errors.New("costengine: refund component exceeds original (clamped)")

// CostResult mirrors spec §3's Cost result record.
type CostResult struct {
	Provider          string
	Operation         Operation
	Model             string
	UnitCount         float64
	UnitType          UnitType
	RatePerUnit       Money
	TotalCost         Money
	IsEstimate        bool
	DetailedBreakdown map[string]Money
}

// Engine resolves rate cards in override → built-in → fallback-estimate
// order and computes CostResults for each operation shape in spec §4.4.
type Engine struct {
	overrides OverrideStore // nil is valid: skip straight to built-ins
}

func NewEngine(overrides OverrideStore) *Engine {
	return &Engine{overrides: overrides}
}

func (e *Engine) resolveTranscription(ctx context.Context, provider, model string) (TranscriptionRate, bool) {
	if e.overrides != nil {
		if r, err := e.overrides.GetTranscriptionOverride(ctx, provider, model); err == nil && r != nil {
			return *r, false
		}
	}
	if r, ok := builtInTranscription[rateCardKey{Provider: provider, Operation: OpTranscription, Model: model}]; ok {
		return r, false
	}
	return TranscriptionRate{RatePerMinute: fallbackTranscriptionRate, Status: StatusActive}, true
}

// Transcribe computes cost for a transcription task: unit_count =
// duration_seconds / 60; total = rate × unit_count.
func (e *Engine) Transcribe(ctx context.Context, provider, model string, durationSeconds float64) CostResult {
	rate, isEstimate := e.resolveTranscription(ctx, provider, model)
	units := durationSeconds / 60
	total := rate.RatePerMinute.Mul(units)
	observability.CostComputations.WithLabelValues(provider, string(OpTranscription), boolLabel(isEstimate)).Inc()
	return CostResult{
		Provider: provider, Operation: OpTranscription, Model: model,
		UnitCount: units, UnitType: UnitPerMinute,
		RatePerUnit: rate.RatePerMinute, TotalCost: total, IsEstimate: isEstimate,
	}
}

func (e *Engine) resolveTTS(ctx context.Context, provider, model string) (TTSRate, bool) {
	if e.overrides != nil {
		if r, err := e.overrides.GetTTSOverride(ctx, provider, model); err == nil && r != nil {
			return *r, false
		}
	}
	if r, ok := builtInTTS[rateCardKey{Provider: provider, Operation: OpTTS, Model: model}]; ok {
		return r, false
	}
	return TTSRate{RatePerCharacter: fallbackTTSRatePerChar, IsOverride: false, Status: StatusActive}, true
}

// Synthesize computes TTS cost. Override rates are per-1k-characters;
// built-in/fallback rates are per-character. UnitType reflects whichever
// actually resolved, per spec §4.4.
func (e *Engine) Synthesize(ctx context.Context, provider, model string, characterCount float64) CostResult {
	rate, isEstimate := e.resolveTTS(ctx, provider, model)
	observability.CostComputations.WithLabelValues(provider, string(OpTTS), boolLabel(isEstimate)).Inc()

	if rate.IsOverride {
		units := characterCount / 1000
		total := rate.RatePer1kCharacters.Mul(units)
		return CostResult{
			Provider: provider, Operation: OpTTS, Model: model,
			UnitCount: units, UnitType: UnitPer1kCharacters,
			RatePerUnit: rate.RatePer1kCharacters, TotalCost: total, IsEstimate: isEstimate,
		}
	}
	total := rate.RatePerCharacter.Mul(characterCount)
	return CostResult{
		Provider: provider, Operation: OpTTS, Model: model,
		UnitCount: characterCount, UnitType: UnitPerCharacter,
		RatePerUnit: rate.RatePerCharacter, TotalCost: total, IsEstimate: isEstimate,
	}
}

func (e *Engine) resolveRealtime(ctx context.Context, provider, model string) (RealtimeRate, bool) {
	if e.overrides != nil {
		if r, err := e.overrides.GetRealtimeOverride(ctx, provider, model); err == nil && r != nil {
			return *r, false
		}
	}
	if r, ok := builtInRealtime[rateCardKey{Provider: provider, Operation: OpRealtime, Model: model}]; ok {
		return r, false
	}
	return RealtimeRate{
		RatePerMinuteInput:  fallbackRealtimeInput,
		RatePerMinuteOutput: fallbackRealtimeOutput,
	}, true
}

// RealtimeUsage carries the inputs spec §4.4 names for realtime cost:
// positive durations get the provider's minimum-duration floor applied;
// negative durations (refund paths) never do.
type RealtimeUsage struct {
	InputAudioSeconds  float64
	OutputAudioSeconds float64
	InputTokens        float64
	OutputTokens       float64
}

func (e *Engine) Realtime(ctx context.Context, provider, model string, usage RealtimeUsage) CostResult {
	rate, isEstimate := e.resolveRealtime(ctx, provider, model)
	observability.CostComputations.WithLabelValues(provider, string(OpRealtime), boolLabel(isEstimate)).Inc()

	inSecs := applyFloor(usage.InputAudioSeconds, rate.MinimumDurationSecs)
	outSecs := applyFloor(usage.OutputAudioSeconds, rate.MinimumDurationSecs)

	audioInCost := rate.RatePerMinuteInput.Mul(inSecs / 60)
	audioOutCost := rate.RatePerMinuteOutput.Mul(outSecs / 60)
	tokenInCost := rate.RatePerTokenInput.Mul(usage.InputTokens)
	tokenOutCost := rate.RatePerTokenOutput.Mul(usage.OutputTokens)

	total := audioInCost.Add(audioOutCost).Add(tokenInCost).Add(tokenOutCost)
	return CostResult{
		Provider: provider, Operation: OpRealtime, Model: model,
		UnitCount: inSecs + outSecs, UnitType: UnitPerMinute,
		RatePerUnit: rate.RatePerMinuteInput, TotalCost: total, IsEstimate: isEstimate,
		DetailedBreakdown: map[string]Money{
			"audio_input":  audioInCost,
			"audio_output": audioOutCost,
			"token_input":  tokenInCost,
			"token_output": tokenOutCost,
		},
	}
}

// applyFloor enforces the provider's minimum-duration floor only for
// positive durations; negative durations (refund paths) pass through
// untouched per spec §4.4.
func applyFloor(seconds, floor float64) float64 {
	if seconds > 0 && seconds < floor {
		return floor
	}
	return seconds
}

// RefundResult mirrors CostResult's schema with original/refund amounts
// per component, clamping each refunded component to its original value.
type RefundResult struct {
	Original         CostResult
	RefundBreakdown  map[string]Money
	TotalRefund      Money
	IsPartialRefund  bool
	Reason           string
}

// Refund validates reason is present, then clamps each requested refund
// component to the corresponding original component (or the flat total
// when there's no per-component breakdown), marking IsPartialRefund when
// any component was clamped.
func (e *Engine) Refund(original CostResult, requested map[string]Money, reason string) (*RefundResult, error) {
	if reason == "" {
		observability.RefundsProcessed.WithLabelValues("rejected").Inc()
		return nil, ErrMissingReason
	}

	breakdown := make(map[string]Money, len(requested))
	partial := false
	var total Money

	originalComponents := original.DetailedBreakdown
	if originalComponents == nil {
		originalComponents = map[string]Money{"total": original.TotalCost}
	}

	for component, amount := range requested {
		ceiling, ok := originalComponents[component]
		if !ok {
			ceiling = 0
		}
		clamped := amount.Clamp(ceiling)
		if clamped != amount {
			partial = true
		}
		breakdown[component] = clamped
		total = total.Add(clamped)
	}

	outcome := "full"
	if partial {
		outcome = "partial"
	}
	observability.RefundsProcessed.WithLabelValues(outcome).Inc()

	return &RefundResult{
		Original:        original,
		RefundBreakdown: breakdown,
		TotalRefund:     total,
		IsPartialRefund: partial,
		Reason:          reason,
	}, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ChargeIdempotencyKey is the key under which a charge event is deduplicated
// so a task that completes twice (the original worker's claim expiring and
// a second worker finishing the same task, per the Open Question spec §9
// calls out) is never charged twice: keyed by task id alone, since a
// legitimate distinct charge (e.g. a follow-up realtime session) would
// carry a different task id.
func ChargeIdempotencyKey(taskID string) string {
	return fmt.Sprintf("conduit:charge:%s", taskID)
}
