package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDequeueClaimLifecycle(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, &WorkItem{TaskID: "t-1", Priority: PriorityNormal}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := q.Dequeue(ctx, "worker-a")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item.TaskID != "t-1" {
		t.Fatalf("unexpected item: %+v", item)
	}

	// A second worker racing for the same (already-claimed) task must not
	// also see it; here there's nothing left in the queue so it just gets
	// ErrQueueEmpty.
	if _, err := q.Dequeue(ctx, "worker-b"); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestExtendClaimRejectsWrongOwner(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, &WorkItem{TaskID: "t-2"})
	q.Dequeue(ctx, "worker-a")

	if err := q.ExtendClaim(ctx, "t-2", "worker-b", time.Minute); !errors.Is(err, ErrClaimNotHeld) {
		t.Fatalf("expected ErrClaimNotHeld, got %v", err)
	}
	if err := q.ExtendClaim(ctx, "t-2", "worker-a", time.Minute); err != nil {
		t.Fatalf("expected extend to succeed for the true owner: %v", err)
	}
}

func TestAcknowledgeReleasesClaim(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, &WorkItem{TaskID: "t-3"})
	q.Dequeue(ctx, "worker-a")

	if err := q.Acknowledge(ctx, "t-3"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := q.ExtendClaim(ctx, "t-3", "worker-a", time.Minute); !errors.Is(err, ErrClaimNotHeld) {
		t.Fatalf("expected claim to be gone after acknowledge, got %v", err)
	}
}

func TestReturnToQueueSchedulesRetry(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, &WorkItem{TaskID: "t-4"})
	q.Dequeue(ctx, "worker-a")

	if err := q.ReturnToQueue(ctx, "t-4", "provider_timeout", 10*time.Millisecond); err != nil {
		t.Fatalf("return_to_queue: %v", err)
	}

	// Not eligible yet.
	if _, err := q.Dequeue(ctx, "worker-b"); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty before eligible_at, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	item, err := q.Dequeue(ctx, "worker-b")
	if err != nil {
		t.Fatalf("dequeue after eligible: %v", err)
	}
	if item.TaskID != "t-4" {
		t.Fatalf("unexpected item after retry: %+v", item)
	}
}

func TestRecoverOrphansReschedulesStaleClaims(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, &WorkItem{TaskID: "t-5"})
	q.Dequeue(ctx, "worker-dead")

	// Simulate the claim heartbeat going stale by using a claimTimeout of 0.
	recovered, err := q.RecoverOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("recover_orphans: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "t-5" {
		t.Fatalf("expected t-5 to be recovered, got %v", recovered)
	}

	time.Sleep(OrphanRetryAfter + 10*time.Millisecond)
	item, err := q.Dequeue(ctx, "worker-new")
	if err != nil {
		t.Fatalf("dequeue after recovery: %v", err)
	}
	if item.TaskID != "t-5" {
		t.Fatalf("expected recovered task to be redeliverable, got %+v", item)
	}
}

func TestPriorityOrderingWithinHeap(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, &WorkItem{TaskID: "low", Priority: PriorityLow})
	q.Enqueue(ctx, &WorkItem{TaskID: "high", Priority: PriorityHigh})
	q.Enqueue(ctx, &WorkItem{TaskID: "normal", Priority: PriorityNormal})

	first, err := q.Dequeue(ctx, "w")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.TaskID != "high" {
		t.Fatalf("expected high priority first, got %s", first.TaskID)
	}
}
