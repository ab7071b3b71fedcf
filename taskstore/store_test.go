package taskstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "t-1", Type: TypeTranscription, State: StatePending}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "t-1" || got.State != StatePending {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped on create")
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStateRejectsAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-2", Type: TypeImage, State: StateProcessing})

	updated, err := s.UpdateState(ctx, "t-2", StateCompleted, `{"url":"x"}`, "")
	if err != nil {
		t.Fatalf("update_state to Completed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set on terminal transition")
	}

	if _, err := s.UpdateState(ctx, "t-2", StateFailed, "", "too late"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestUpdateProgressRejectsAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-3", Type: TypeTTS, State: StateCompleted})

	if _, err := s.UpdateProgress(ctx, "t-3", 50, "halfway"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestUpdateProgressHappyPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-4", Type: TypeVideo, State: StateProcessing})

	got, err := s.UpdateProgress(ctx, "t-4", 30, "rendering")
	if err != nil {
		t.Fatalf("update_progress: %v", err)
	}
	if got.Progress != 30 || got.ProgressMsg != "rendering" {
		t.Fatalf("unexpected task after progress update: %+v", got)
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-5", Type: TypeImage, State: StatePending})

	if err := s.Delete(ctx, "t-5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "t-5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Cleanup on an empty store should be a no-op, not an error.
	swept, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected 0 swept, got %d", swept)
	}
}

func TestScheduleRetryBumpsCountAndResetsToPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-7", Type: TypeTranscription, State: StateProcessing})

	next := time.Now().Add(30 * time.Second)
	updated, err := s.ScheduleRetry(ctx, "t-7", next)
	if err != nil {
		t.Fatalf("schedule_retry: %v", err)
	}
	if updated.State != StatePending {
		t.Fatalf("expected state Pending after schedule_retry, got %s", updated.State)
	}
	if updated.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", updated.RetryCount)
	}
	if updated.NextRetryAt == nil || !updated.NextRetryAt.Equal(next) {
		t.Fatalf("expected next_retry_at %v, got %v", next, updated.NextRetryAt)
	}

	again, err := s.ScheduleRetry(ctx, "t-7", next.Add(time.Minute))
	if err != nil {
		t.Fatalf("second schedule_retry: %v", err)
	}
	if again.RetryCount != 2 {
		t.Fatalf("expected retry_count 2 after second retry, got %d", again.RetryCount)
	}
}

func TestScheduleRetryRejectsAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Create(ctx, &Task{ID: "t-8", Type: TypeImage, State: StateFailed})

	if _, err := s.ScheduleRetry(ctx, "t-8", time.Now().Add(time.Second)); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := &Task{ID: "t-6", Payload: []byte(`{"a":1}`)}
	clone := original.Clone()
	clone.Payload[0] = 'X'
	if original.Payload[0] == 'X' {
		t.Fatal("Clone should deep-copy Payload")
	}
}
