package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// MemoryStore is the in-process fallback used when Redis is unreachable.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	// expiresAt tracks the wall-clock deadline for each record so Cleanup
	// can reap both active and terminal TTLs without a background timer
	// per task.
	expiresAt map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*Task),
		expiresAt: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	stored := t.Clone()
	m.tasks[stored.ID] = stored
	m.expiresAt[stored.ID] = now.Add(ttlFor(stored.State))
	observability.TaskStateTransitions.WithLabelValues(string(stored.Type), string(stored.State)).Inc()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateState(ctx context.Context, id string, to State, result, errMsg string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State.IsTerminal() {
		if t.State == to {
			return t.Clone(), nil
		}
		return nil, ErrTerminalState
	}
	t.State = to
	t.UpdatedAt = time.Now()
	if result != "" {
		t.Result = []byte(result)
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if to.IsTerminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	m.expiresAt[id] = t.UpdatedAt.Add(ttlFor(to))
	observability.TaskStateTransitions.WithLabelValues(string(t.Type), string(to)).Inc()
	return t.Clone(), nil
}

func (m *MemoryStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State.IsTerminal() {
		return nil, ErrTerminalState
	}
	t.State = StatePending
	t.RetryCount++
	t.NextRetryAt = &nextRetryAt
	t.UpdatedAt = time.Now()
	m.expiresAt[id] = t.UpdatedAt.Add(ttlFor(t.State))
	observability.TaskStateTransitions.WithLabelValues(string(t.Type), string(t.State)).Inc()
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int, message string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State.IsTerminal() {
		return nil, ErrTerminalState
	}
	t.Progress = clampProgress(progress)
	t.ProgressMsg = message
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	delete(m.expiresAt, id)
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	swept := 0
	for id, deadline := range m.expiresAt {
		if now.After(deadline) {
			delete(m.tasks, id)
			delete(m.expiresAt, id)
			swept++
		}
	}
	if swept > 0 {
		observability.TaskStoreCleanupSwept.Add(float64(swept))
	}
	return swept, nil
}
