package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/conduitgw/gateway/costengine"
	"github.com/conduitgw/gateway/taskstore"
)

// computeCost is step 6: resolve a CostResult for whatever unit this
// task type bills on. Image/video generation has no metered rate card
// in C4 (spec §4.4 only defines transcription/TTS/realtime shapes), so
// those task types cost a flat zero marked as an estimate.
func (o *Orchestrator) computeCost(ctx context.Context, task *taskstore.Task, req ProviderRequest, result ProviderResult) costengine.CostResult {
	switch task.Type {
	case taskstore.TypeTranscription:
		return o.costs.Transcribe(ctx, req.Provider, req.Model, result.UnitCount)
	case taskstore.TypeTTS:
		return o.costs.Synthesize(ctx, req.Provider, req.Model, result.UnitCount)
	case taskstore.TypeRealtime:
		return o.costs.Realtime(ctx, req.Provider, req.Model, realtimeUsage(result))
	default:
		return costengine.CostResult{Provider: req.Provider, Model: req.Model, IsEstimate: true}
	}
}

func realtimeUsage(result ProviderResult) costengine.RealtimeUsage {
	get := func(key string) float64 {
		v, ok := result.Structured[key]
		if !ok {
			return 0
		}
		f, _ := v.(float64)
		return f
	}
	return costengine.RealtimeUsage{
		InputAudioSeconds:  get("input_audio_seconds"),
		OutputAudioSeconds: get("output_audio_seconds"),
		InputTokens:        get("input_tokens"),
		OutputTokens:       get("output_tokens"),
	}
}

// charge is step 6's second half: publish the charge with a dedup guard
// so a task that completes twice (an expired claim's worker racing a
// second worker's completion, the scenario spec §9 calls out) is never
// billed twice for the same terminal transition.
func (o *Orchestrator) charge(ctx context.Context, task *taskstore.Task, cost costengine.CostResult) {
	if o.charger == nil {
		return
	}
	key := costengine.ChargeIdempotencyKey(task.ID)

	if o.chargeGuard != nil {
		acquired, err := o.chargeGuard.AcquireLease(ctx, key, o.instanceID, time.Hour)
		if err != nil {
			log.Printf("[ORCHESTRATOR] charge dedup guard for %s failed open: %v", task.ID, err)
		} else if !acquired {
			return
		}
	}

	if err := o.charger.Charge(ctx, task.VirtualKeyID, key, cost.TotalCost); err != nil {
		log.Printf("[ORCHESTRATOR] charge for %s failed: %v", task.ID, err)
	}
}
