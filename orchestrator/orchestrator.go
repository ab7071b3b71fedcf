package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/conduitgw/gateway/coordination"
	"github.com/conduitgw/gateway/costengine"
	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/observability"
	"github.com/conduitgw/gateway/quality"
	"github.com/conduitgw/gateway/resilience"
	"github.com/conduitgw/gateway/taskstore"
	"github.com/conduitgw/gateway/workqueue"
)

// TaskClaimedPayload is published by whoever successfully dequeues a
// work item (the process wiring in cmd/gateway), and is the only input
// Run needs to pick the task back up.
type TaskClaimedPayload struct {
	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
}

// backoff configuration for step 9's exponential retry schedule:
// base * 2^retry_count, jittered +/-20%, capped.
const (
	retryBaseDelay = 15 * time.Second
	retryMaxDelay  = 10 * time.Minute
)

// Orchestrator drives the C8 task lifecycle: one call to handle per
// TaskClaimed event, running the task through provider dispatch, media
// placement, cost accounting, and terminal-state publication.
type Orchestrator struct {
	store       taskstore.Store
	queue       workqueue.WorkQueue
	registry    *resilience.Registry
	costs       *costengine.Engine
	publisher   eventbus.Publisher
	adapters    map[string]ProviderAdapter
	storage     MediaStorage
	quota       QuotaChecker
	charger     Charger
	chargeGuard coordination.LeaseCoordinator // optional: dedup double-charge on re-run
	gate        *ThrottleGate
	quality     *quality.Tracker // optional: feeds C6 from observed provider outcomes
	progress    ProgressStarter  // optional: starts C10 synthetic progress checkpoints

	maxTaskRuntime time.Duration
	instanceID     string
}

type Option func(*Orchestrator)

func WithChargeGuard(c coordination.LeaseCoordinator) Option {
	return func(o *Orchestrator) { o.chargeGuard = c }
}
func WithThrottleGate(g *ThrottleGate) Option { return func(o *Orchestrator) { o.gate = g } }
func WithQualityTracker(t *quality.Tracker) Option { return func(o *Orchestrator) { o.quality = t } }
func WithProgressStarter(p ProgressStarter) Option { return func(o *Orchestrator) { o.progress = p } }
func WithMaxTaskRuntime(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxTaskRuntime = d }
}

func New(
	store taskstore.Store,
	queue workqueue.WorkQueue,
	registry *resilience.Registry,
	costs *costengine.Engine,
	publisher eventbus.Publisher,
	adapters map[string]ProviderAdapter,
	storage MediaStorage,
	quota QuotaChecker,
	charger Charger,
	instanceID string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store: store, queue: queue, registry: registry, costs: costs,
		publisher: publisher, adapters: adapters, storage: storage,
		quota: quota, charger: charger, instanceID: instanceID,
		maxTaskRuntime: 20 * time.Minute,
		gate:           NewThrottleGate(50),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run subscribes to TaskClaimed and handles each claim as it arrives.
// Handling is synchronous per event on purpose: ordering guarantee (a)
// in spec §5 requires a single task's state transitions to be
// serialized, and the work queue already fans claims out across
// instances for parallelism.
func (o *Orchestrator) Run(ctx context.Context, subscriber eventbus.Subscriber) (eventbus.Subscription, error) {
	return subscriber.Subscribe(ctx, eventbus.TaskClaimed, func(evt eventbus.Event) {
		var claim TaskClaimedPayload
		if err := json.Unmarshal(evt.Payload, &claim); err != nil {
			log.Printf("[ORCHESTRATOR] malformed TaskClaimed payload: %v", err)
			return
		}
		o.handle(ctx, claim.TaskID)
	})
}

// handle is the step-by-step driver described in spec §4.8. A hard
// per-task timeout bounds the whole run as a kill switch against a stuck
// adapter call or an infinite retry loop.
func (o *Orchestrator) handle(parent context.Context, taskID string) {
	ctx, cancel := context.WithTimeout(parent, o.maxTaskRuntime)
	defer cancel()

	start := time.Now()
	outcome := "error"
	taskType := "unknown"
	defer func() {
		observability.TaskExecutionSeconds.WithLabelValues(taskType, outcome).Observe(time.Since(start).Seconds())
	}()

	// Every exit path releases the claim regardless of how the task ended.
	defer func() {
		if err := o.queue.Acknowledge(context.Background(), taskID); err != nil {
			log.Printf("[ORCHESTRATOR] acknowledge %s failed: %v", taskID, err)
		}
	}()

	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		log.Printf("[ORCHESTRATOR] load task %s failed: %v", taskID, err)
		return
	}
	taskType = string(task.Type)
	outcome = string(task.State)

	// Step 1: a task cancelled while still Pending has only had its state
	// written by the API, so its cancellation is published here. Every
	// other terminal task needs no further work; a second delivery of the
	// same claim is a no-op.
	if task.State == taskstore.StateCancelled {
		o.publishCancelled(ctx, task)
		return
	}

	if task.State.IsTerminal() {
		return
	}

	req, err := reconstructRequest(task.Payload)
	if err != nil {
		o.fail(ctx, task, err)
		outcome = "failed"
		return
	}

	capability := string(task.Type)
	provider, err := o.resolveProvider(ctx, task, req, capability)
	if err != nil {
		outcome = o.retryOrFail(ctx, task, err)
		return
	}
	req.Provider = provider

	if err := o.checkQuota(ctx, task); err != nil {
		o.fail(ctx, task, err)
		outcome = "failed"
		return
	}

	if task.State != taskstore.StateProcessing {
		if _, err := o.store.UpdateState(ctx, task.ID, taskstore.StateProcessing, "", ""); err != nil {
			log.Printf("[ORCHESTRATOR] mark processing %s failed: %v", task.ID, err)
		}
		if o.progress != nil && !adapterReportsNativeProgress(task.Type) {
			o.progress.Track(ctx, task.ID, string(task.Type))
		}
	}

	adapter, ok := o.adapters[provider]
	if !ok {
		o.fail(ctx, task, fmt.Errorf("%w: no adapter registered for provider %q", ErrValidation, provider))
		outcome = "failed"
		return
	}

	invokeStart := time.Now()
	result, err := adapter.Invoke(ctx, req)
	// Cooperative cancellation check per spec §5: a client cancel
	// must be observed before any further side-effecting step.
	if fresh, reErr := o.store.Get(context.Background(), task.ID); reErr == nil && fresh.State == taskstore.StateCancelled {
		o.publishCancelled(context.Background(), fresh)
		outcome = "cancelled"
		return
	}
	if err != nil {
		o.registry.RecordOutcome(provider, capability, req.Model, false, time.Since(invokeStart), 0)
		outcome = o.retryOrFail(ctx, task, err)
		return
	}
	o.registry.RecordOutcome(provider, capability, req.Model, true, time.Since(invokeStart), 1)
	o.recordQuality(req, result)

	finalResult, err := o.placeMedia(ctx, task, result)
	if err != nil {
		// Media placement failure falls back to the provider URL per
		// spec §4.8 step 5; it never aborts the task.
		log.Printf("[ORCHESTRATOR] media placement for %s fell back to provider URL: %v", task.ID, err)
		finalResult = result
	}

	cost := o.computeCost(ctx, task, req, finalResult)
	o.charge(ctx, task, cost)

	payload, err := json.Marshal(resultDocument(finalResult, cost))
	if err != nil {
		payload = []byte(`{}`)
	}

	completed, err := o.store.UpdateState(ctx, task.ID, taskstore.StateCompleted, string(payload), "")
	if err != nil {
		log.Printf("[ORCHESTRATOR] complete %s failed: %v", task.ID, err)
		return
	}
	outcome = "completed"

	o.publisher.Publish(ctx, eventbus.TaskCompleted, completionEvent(completed))
	o.publisher.Publish(ctx, eventbus.MediaGenerationCompleted, mediaEvent(completed, finalResult))
	o.scheduleWebhook(ctx, completed, eventbus.TaskCompleted)
}


// resolveProvider applies C7's view of provider health: a quarantined or
// permanently-failed provider triggers a failover to the healthiest
// alternative; a throttled one is admission-gated proportional to its
// throttle_level.
func (o *Orchestrator) resolveProvider(ctx context.Context, task *taskstore.Task, req ProviderRequest, capability string) (string, error) {
	health, known := o.registry.Get(req.Provider)
	if !known {
		return req.Provider, nil
	}

	switch health.State {
	case resilience.StateQuarantined, resilience.StatePermanentlyFailed:
		target, ok := o.registry.InitiateFailover(ctx, req.Provider, capability, req.Model)
		if !ok {
			return "", ErrNoHealthyProvider
		}
		return target.Provider, nil
	case resilience.StateThrottled, resilience.StateRecovering:
		if !o.gate.Allow(req.Provider, health.ThrottleLevel) {
			return "", &HTTPStatusError{StatusCode: 429, Err: fmt.Errorf("provider %s is throttled", req.Provider)}
		}
		return req.Provider, nil
	default:
		return req.Provider, nil
	}
}

// recordQuality feeds C6 from the outcome the orchestrator already
// observed directly, per provider and model axes; the language axis
// only fires when the request actually carries a language parameter
// (transcription/TTS requests, typically).
func (o *Orchestrator) recordQuality(req ProviderRequest, result ProviderResult) {
	if o.quality == nil {
		return
	}
	now := time.Now()
	o.quality.Record(quality.AxisProvider, req.Provider, result.Confidence, result.Accuracy, result.WordErrorRate, now)
	o.quality.Record(quality.AxisModel, req.Model, result.Confidence, result.Accuracy, result.WordErrorRate, now)
	if lang, ok := req.Params["language"].(string); ok && lang != "" {
		o.quality.Record(quality.AxisLanguage, lang, result.Confidence, result.Accuracy, result.WordErrorRate, now)
	}
}

// adapterReportsNativeProgress reports whether a task type's provider call
// is a single synchronous round trip that needs no synthetic progress
// ticks. Image and video generation are the long-running, provider-opaque
// cases spec §4.10 calls out.
func adapterReportsNativeProgress(t taskstore.TaskType) bool {
	switch t {
	case taskstore.TypeImage, taskstore.TypeVideo:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) checkQuota(ctx context.Context, task *taskstore.Task) error {
	if o.quota == nil {
		return nil
	}
	ok, err := o.quota.HasQuota(ctx, task.VirtualKeyID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// retryOrFail is step 9: classify the error, and either schedule a
// backoff retry into the work queue's retry set or move the task to its
// terminal Failed state. Returns the outcome label for the execution
// duration metric.
func (o *Orchestrator) retryOrFail(ctx context.Context, task *taskstore.Task, cause error) string {
	class := Classify(cause)
	if class == ClassifyRetryable && task.RetryCount < task.MaxRetries {
		delay := backoffDelay(task.RetryCount)
		nextAt := time.Now().Add(delay)
		if _, err := o.store.ScheduleRetry(ctx, task.ID, nextAt); err != nil {
			log.Printf("[ORCHESTRATOR] schedule_retry %s failed: %v", task.ID, err)
		}
		if err := o.queue.ReturnToQueue(ctx, task.ID, cause.Error(), delay); err != nil {
			log.Printf("[ORCHESTRATOR] return_to_queue %s failed: %v", task.ID, err)
		}
		observability.TaskRetriesTotal.WithLabelValues(string(task.Type), "retryable").Inc()
		o.publisher.Publish(ctx, eventbus.TaskFailed, failedEvent(task, cause, true))
		return "retried"
	}
	o.fail(ctx, task, cause)
	return "failed"
}

func backoffDelay(retryCount int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(retryCount))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(float64(delay) * 0.2 * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (o *Orchestrator) fail(ctx context.Context, task *taskstore.Task, cause error) {
	updated, err := o.store.UpdateState(ctx, task.ID, taskstore.StateFailed, "", sanitize(cause.Error()))
	if err != nil {
		log.Printf("[ORCHESTRATOR] mark failed %s failed: %v", task.ID, err)
		updated = task
	}
	observability.TaskTerminalTotal.WithLabelValues(string(task.Type), string(taskstore.StateFailed)).Inc()
	o.publisher.Publish(ctx, eventbus.TaskFailed, failedEvent(updated, cause, false))
	o.scheduleWebhook(ctx, updated, eventbus.TaskFailed)
}

func (o *Orchestrator) publishCancelled(ctx context.Context, task *taskstore.Task) {
	updated, err := o.store.UpdateState(ctx, task.ID, taskstore.StateCancelled, "", "")
	if err != nil {
		updated = task
	}
	observability.TaskTerminalTotal.WithLabelValues(string(task.Type), string(taskstore.StateCancelled)).Inc()
	o.publisher.Publish(ctx, eventbus.TaskCancelled, map[string]interface{}{"task_id": updated.ID})
	o.publisher.Publish(ctx, eventbus.ProgressTrackingCancelled, map[string]interface{}{"task_id": updated.ID})
	o.scheduleWebhook(ctx, updated, eventbus.TaskCancelled)
}

// sanitize strips newlines from an error message before it's exposed to
// a polling client or webhook receiver, per spec §7's propagation policy.
func sanitize(msg string) string {
	out := make([]rune, 0, len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' {
			out = append(out, ' ')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (o *Orchestrator) scheduleWebhook(ctx context.Context, task *taskstore.Task, event eventbus.Topic) {
	if task.WebhookURL == "" {
		return
	}
	o.publisher.Publish(ctx, eventbus.WebhookDeliveryRequested, webhookRequest(task, event))
}
