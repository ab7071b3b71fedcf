package workqueue

import (
	"context"
	"time"
)

// WorkQueue is the C2 contract: enqueue/dequeue/extend_claim/acknowledge/
// return_to_queue/recover_orphans per spec §4.2.
type WorkQueue interface {
	Enqueue(ctx context.Context, item *WorkItem) error
	// Dequeue drains the retry set for anything eligible first, then the
	// stream, attempting to acquire a claim with DefaultClaimTTL. Returns
	// ErrQueueEmpty (not an error condition) when nothing is available.
	Dequeue(ctx context.Context, instanceID string) (*WorkItem, error)
	ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error
	Acknowledge(ctx context.Context, taskID string) error
	ReturnToQueue(ctx context.Context, taskID, reason string, retryAfter time.Duration) error
	// RecoverOrphans schedules any task whose claim's heartbeat is older
	// than claimTimeout for retry after OrphanRetryAfter, returning the
	// recovered ids.
	RecoverOrphans(ctx context.Context, claimTimeout time.Duration) ([]string, error)
	// Depth reports the number of items waiting to be claimed, for the
	// operational dashboard.
	Depth(ctx context.Context) (int, error)
}
