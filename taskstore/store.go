package taskstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors recognized by orchestrator.classify and callers generally.
var (
	ErrNotFound      = errors.New("taskstore: task not found")
	ErrTerminalState = errors.New("taskstore: task already in a terminal state")
)

// Store is the C1 Task Store contract: create/get/update_state/
// update_progress/delete/cleanup, per spec §4.1. Implementations must
// reject any transition away from a terminal state with ErrTerminalState.
// State is monotone once terminal.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	UpdateState(ctx context.Context, id string, to State, result, errMsg string) (*Task, error)
	UpdateProgress(ctx context.Context, id string, progress int, message string) (*Task, error)
	// ScheduleRetry increments retry_count, sets next_retry_at, and leaves
	// state Pending, per spec §4.8 step 9. Rejects once the record is
	// terminal, same as UpdateState.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) (*Task, error)
	Delete(ctx context.Context, id string) error
	// Cleanup removes terminal records whose terminal TTL has elapsed and
	// any active record whose active TTL has elapsed (spec §4.1 sweep).
	// It returns the number of records removed.
	Cleanup(ctx context.Context) (int, error)
}

// key returns the Redis key for a task record, namespaced per spec §6.
func key(id string) string {
	return "conduit:tasks:" + id
}

// indexKey is the set of active (non-reaped) task ids, used by
// RedisStore.Cleanup to find index entries whose underlying TTL-expired
// record is already gone.
const indexKey = "conduit:tasks:index"

func ttlFor(s State) time.Duration {
	if s.IsTerminal() {
		return TerminalTTL
	}
	return ActiveTTL
}
