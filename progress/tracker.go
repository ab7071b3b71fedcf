// Package progress implements C10: synthetic progress reporting for task
// types that don't get progress updates from the provider itself (video
// generation being the prototypical example).
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/observability"
	"github.com/conduitgw/gateway/taskstore"
	"github.com/conduitgw/gateway/webhook"
)

// checkpoints is the fixed progression spec §4.10 names. A task that's
// still Processing once every checkpoint has fired simply stops advancing
// until the orchestrator itself moves it to a terminal state.
var checkpoints = []int{10, 30, 50, 70, 90}

const (
	defaultInterval = 5 * time.Second
	// defaultSpacing is the elapsed time between successive checkpoints;
	// five ticks of defaultInterval per checkpoint approximates the pace
	// of a multi-minute video generation without needing the provider's
	// own progress signal.
	defaultSpacing = 25 * time.Second
)

type trackedTask struct {
	taskType      string
	startedAt     time.Time
	checkpointIdx int
	cancel        context.CancelFunc
}

// Tracker runs one ticking goroutine per tracked task, publishing
// ProgressCheckRequested on every tick and then running the check
// directly (it does not subscribe to its own event). The event is still
// published so it stays a first-class, independently observable signal, per
// spec §4.3's event catalogue.
type Tracker struct {
	store     taskstore.Store
	publisher eventbus.Publisher
	interval  time.Duration
	spacing   time.Duration

	mu     sync.Mutex
	active map[string]*trackedTask
}

type Option func(*Tracker)

func WithInterval(d time.Duration) Option { return func(t *Tracker) { t.interval = d } }
func WithSpacing(d time.Duration) Option  { return func(t *Tracker) { t.spacing = d } }

func NewTracker(store taskstore.Store, publisher eventbus.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		publisher: publisher,
		interval:  defaultInterval,
		spacing:   defaultSpacing,
		active:    make(map[string]*trackedTask),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track is ProgressStarter's method for the orchestrator to call the
// instant a task enters Processing. A second call for the same task id is
// a no-op: only the first tracker thread wins.
func (t *Tracker) Track(ctx context.Context, taskID, taskType string) {
	t.mu.Lock()
	if _, exists := t.active[taskID]; exists {
		t.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.active[taskID] = &trackedTask{taskType: taskType, startedAt: time.Now(), cancel: cancel}
	t.mu.Unlock()

	go t.loop(loopCtx, taskID)
}

func (t *Tracker) loop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publisher.Publish(ctx, eventbus.ProgressCheckRequested, map[string]interface{}{"task_id": taskID})
			observability.ProgressChecksFired.Inc()
			if !t.check(ctx, taskID) {
				t.stop(taskID)
				return
			}
		}
	}
}

// check applies one checkpoint if elapsed time warrants it and reports
// whether tracking should continue: false once the task has left
// Processing (spec §4.10's auto-cancel) or the record has disappeared.
func (t *Tracker) check(ctx context.Context, taskID string) bool {
	task, err := t.store.Get(ctx, taskID)
	if err != nil {
		return false
	}
	if task.State != taskstore.StateProcessing {
		return false
	}

	t.mu.Lock()
	tracked, ok := t.active[taskID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	if tracked.checkpointIdx >= len(checkpoints) {
		return true
	}

	elapsed := time.Since(tracked.startedAt)
	required := t.spacing * time.Duration(tracked.checkpointIdx+1)
	if elapsed < required {
		return true
	}

	pct := checkpoints[tracked.checkpointIdx]
	updated, err := t.store.UpdateProgress(ctx, taskID, pct, "")
	if err != nil {
		return true
	}

	t.mu.Lock()
	tracked.checkpointIdx++
	remaining := len(checkpoints) - tracked.checkpointIdx
	t.mu.Unlock()

	etaSeconds := float64(remaining) * t.spacing.Seconds()
	t.publisher.Publish(ctx, eventbus.TaskProgress, progressEvent(updated, etaSeconds))
	if updated.WebhookURL != "" {
		t.publisher.Publish(ctx, eventbus.WebhookDeliveryRequested, progressWebhookRequest(updated, etaSeconds))
	}
	return true
}

func (t *Tracker) stop(taskID string) {
	t.mu.Lock()
	if tracked, ok := t.active[taskID]; ok {
		tracked.cancel()
		delete(t.active, taskID)
	}
	t.mu.Unlock()
}

func progressEvent(task *taskstore.Task, etaSeconds float64) map[string]interface{} {
	return map[string]interface{}{
		"task_id":                     task.ID,
		"progress_percentage":         task.Progress,
		"estimated_seconds_remaining": etaSeconds,
	}
}

func progressWebhookRequest(task *taskstore.Task, etaSeconds float64) webhook.DeliveryRequest {
	body, _ := json.Marshal(map[string]interface{}{
		"task_id":                     task.ID,
		"status":                      "processing",
		"progress_percentage":         task.Progress,
		"message":                     task.ProgressMsg,
		"estimated_seconds_remaining": etaSeconds,
	})
	return webhook.DeliveryRequest{
		TaskID:      task.ID,
		TaskType:    string(task.Type),
		EventType:   "TaskProgress",
		URL:         task.WebhookURL,
		Headers:     task.WebhookHeader,
		Body:        body,
		RequestedAt: time.Now(),
	}
}
