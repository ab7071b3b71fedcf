package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// claimRecord is the JSON value stored at claimKey(taskID), following
// coordination.LeaseMetadata's shape of owner plus timing fields rather than
// a bare owner string, so recover_orphans can read heartbeat age directly
// instead of inferring it from remaining TTL.
type claimRecord struct {
	InstanceID    string    `json:"instance_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

const (
	streamKey  = "conduit:imagegen:stream"
	groupName  = "conduit-imagegen"
	activeKey  = "conduit:imagegen:active"
	retryKey   = "conduit:imagegen:retry"
	claimKeyFn = "conduit:imagegen:claims:%s"
)

func claimKey(taskID string) string {
	return fmt.Sprintf(claimKeyFn, taskID)
}

// RedisQueue implements WorkQueue against a Redis stream plus a retry ZSET
// and per-task claim keys, following `store/redis.go`'s preload-then-EvalSha
// convention for the atomic claim-renewal step.
type RedisQueue struct {
	client       *redis.Client
	consumerName string
	extendSHA    string
}

func NewRedisQueue(ctx context.Context, client *redis.Client, consumerName string) (*RedisQueue, error) {
	err := client.XGroupCreateMkStream(ctx, streamKey, groupName, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists, which is expected on
		// every restart after the first.
		if !isBusyGroupErr(err) {
			return nil, fmt.Errorf("workqueue: create consumer group: %w", err)
		}
	}

	sha, err := client.ScriptLoad(ctx, extendClaimScript).Result()
	if err != nil {
		return nil, fmt.Errorf("workqueue: preload extend-claim script: %w", err)
	}

	return &RedisQueue{client: client, consumerName: consumerName, extendSHA: sha}, nil
}

func isBusyGroupErr(err error) bool {
	msg := err.Error()
	return len(msg) >= 9 && msg[:9] == "BUSYGROUP"
}

// extendClaimScript renews TTL and heartbeat only if the claim still names
// the calling instance, mirroring store/redis.go's RenewLock script. ARGV[3]
// is the full re-encoded claimRecord JSON so the heartbeat timestamp moves
// forward atomically with the TTL.
const extendClaimScript = `
local raw = redis.call("get", KEYS[1])
if not raw then
	return -1
end
local rec = cjson.decode(raw)
if rec.instance_id ~= ARGV[1] then
	return -2
end
redis.call("set", KEYS[1], ARGV[3], "PX", tonumber(ARGV[2]))
return 1
`

// Depth approximates queue depth as the stream length plus the retry
// ZSET's cardinality; a dashboard-only figure, not exact under XTRIM.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	streamLen, err := q.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("workqueue: xlen: %w", err)
	}
	retryLen, err := q.client.ZCard(ctx, retryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("workqueue: zcard retry: %w", err)
	}
	return int(streamLen + retryLen), nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, item *WorkItem) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"task_id":     item.TaskID,
			"priority":    int(item.Priority),
			"enqueued_at": item.EnqueuedAt.Format(time.RFC3339Nano),
			"attempt":     item.Attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("workqueue: enqueue: %w", err)
	}
	observability.QueueDepth.WithLabelValues(priorityLabel(item.Priority)).Inc()
	return nil
}

// Dequeue drains the retry ZSET first (earliest eligible_at), then reads one
// new stream entry for this consumer group, then attempts the claim.
func (q *RedisQueue) Dequeue(ctx context.Context, instanceID string) (*WorkItem, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	if item, err := q.popDueRetry(ctx); err == nil {
		return q.claimOrDrop(ctx, item, instanceID)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: q.consumerName,
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(streams) == 0) {
		observability.QueueDequeueTotal.WithLabelValues("empty").Inc()
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("workqueue: xreadgroup: %w", err)
	}

	msgs := streams[0].Messages
	if len(msgs) == 0 {
		observability.QueueDequeueTotal.WithLabelValues("empty").Inc()
		return nil, ErrQueueEmpty
	}
	msg := msgs[0]
	// Ack the stream entry immediately: the consumer group offset must
	// advance regardless of claim outcome so the item is not replayed to
	// this same consumer, per spec §4.2's dequeue() note.
	q.client.XAck(ctx, streamKey, groupName, msg.ID)

	item := workItemFromFields(msg.Values)
	return q.claimOrDrop(ctx, item, instanceID)
}

func (q *RedisQueue) claimOrDrop(ctx context.Context, item *WorkItem, instanceID string) (*WorkItem, error) {
	now := time.Now()
	data, err := json.Marshal(claimRecord{InstanceID: instanceID, ClaimedAt: now, LastHeartbeat: now})
	if err != nil {
		return nil, fmt.Errorf("workqueue: marshal claim: %w", err)
	}
	ok, err := q.client.SetNX(ctx, claimKey(item.TaskID), data, DefaultClaimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("workqueue: acquire claim: %w", err)
	}
	if !ok {
		observability.QueueDequeueTotal.WithLabelValues("lost_race").Inc()
		return nil, ErrQueueEmpty
	}
	q.client.SAdd(ctx, activeKey, item.TaskID)
	observability.QueueDequeueTotal.WithLabelValues("claimed").Inc()
	observability.QueueDepth.WithLabelValues(priorityLabel(item.Priority)).Dec()
	return item, nil
}

func (q *RedisQueue) popDueRetry(ctx context.Context) (*WorkItem, error) {
	now := float64(time.Now().UnixMilli())
	results, err := q.client.ZRangeByScoreWithScores(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', 0, 64),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return nil, ErrQueueEmpty
	}
	taskID, ok := results[0].Member.(string)
	if !ok {
		return nil, ErrQueueEmpty
	}
	removed, err := q.client.ZRem(ctx, retryKey, taskID).Result()
	if err != nil || removed == 0 {
		// Another instance already popped it.
		return nil, ErrQueueEmpty
	}
	return &WorkItem{TaskID: taskID, EnqueuedAt: time.Now()}, nil
}

func workItemFromFields(values map[string]interface{}) *WorkItem {
	item := &WorkItem{EnqueuedAt: time.Now()}
	if v, ok := values["task_id"].(string); ok {
		item.TaskID = v
	}
	if v, ok := values["priority"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			item.Priority = Priority(n)
		}
	}
	if v, ok := values["attempt"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			item.Attempt = n
		}
	}
	return item
}

func (q *RedisQueue) ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	renewed, err := json.Marshal(claimRecord{InstanceID: instanceID, LastHeartbeat: time.Now()})
	if err != nil {
		return fmt.Errorf("workqueue: marshal renewed claim: %w", err)
	}
	res, err := q.client.EvalSha(ctx, q.extendSHA, []string{claimKey(taskID)},
		instanceID, int64(extension/time.Millisecond), string(renewed),
	).Result()
	if err != nil {
		return fmt.Errorf("workqueue: extend_claim: %w", err)
	}
	if n, ok := res.(int64); ok && n != 1 {
		observability.ClaimHeartbeatFailures.WithLabelValues("not_held").Inc()
		return ErrClaimNotHeld
	}
	return nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, taskID string) error {
	q.client.Del(ctx, claimKey(taskID))
	q.client.SRem(ctx, activeKey, taskID)
	return nil
}

func (q *RedisQueue) ReturnToQueue(ctx context.Context, taskID, reason string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	q.client.Del(ctx, claimKey(taskID))
	q.client.SRem(ctx, activeKey, taskID)
	eligibleAt := float64(time.Now().Add(retryAfter).UnixMilli())
	return q.client.ZAdd(ctx, retryKey, redis.Z{Score: eligibleAt, Member: taskID}).Err()
}

func (q *RedisQueue) RecoverOrphans(ctx context.Context, claimTimeout time.Duration) ([]string, error) {
	ids, err := q.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("workqueue: recover_orphans scan: %w", err)
	}
	now := time.Now()
	var orphaned []string
	for _, taskID := range ids {
		raw, err := q.client.Get(ctx, claimKey(taskID)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Claim already expired out from under the active set.
			orphaned = append(orphaned, taskID)
			continue
		}
		if err != nil {
			continue
		}
		var rec claimRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if now.Sub(rec.LastHeartbeat) >= claimTimeout {
			orphaned = append(orphaned, taskID)
		}
	}
	retryScore := float64(time.Now().Add(OrphanRetryAfter).UnixMilli())
	for _, taskID := range orphaned {
		q.client.Del(ctx, claimKey(taskID))
		q.client.SRem(ctx, activeKey, taskID)
		q.client.ZAdd(ctx, retryKey, redis.Z{Score: retryScore, Member: taskID})
	}
	if len(orphaned) > 0 {
		observability.OrphanRecoveryTotal.Add(float64(len(orphaned)))
	}
	return orphaned, nil
}
