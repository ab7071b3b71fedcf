package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against Redis, storing each record as a
// single JSON blob under one string key rather than a hash, since the
// whole record is read/written atomically here.
type RedisStore struct {
	client *redis.Client

	// updateStateSHA holds the preloaded SHA of a Lua script enforcing the
	// terminal-state monotonicity invariant atomically, avoiding a
	// read-modify-write race between two workers completing the same task.
	updateStateSHA string

	// scheduleRetrySHA is the preloaded SHA of scheduleRetryScript, same
	// terminal-state guard as updateStateSHA.
	scheduleRetrySHA string
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("taskstore: redis ping: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, updateStateScript).Result()
	if err != nil {
		return nil, fmt.Errorf("taskstore: preload update-state script: %w", err)
	}
	retrySHA, err := client.ScriptLoad(ctx, scheduleRetryScript).Result()
	if err != nil {
		return nil, fmt.Errorf("taskstore: preload schedule-retry script: %w", err)
	}

	return &RedisStore{client: client, updateStateSHA: sha, scheduleRetrySHA: retrySHA}, nil
}

// updateStateScript loads the current record, refuses to touch it if
// already terminal (returning the record unchanged when the requested
// state matches the current one, so a repeated terminal transition is a
// no-op rather than an error), merges in the new state/result/error, and
// rewrites it with the TTL matching the new state, all in one round trip.
const updateStateScript = `
local raw = redis.call("get", KEYS[1])
if not raw then
	return {err = "not_found"}
end
local task = cjson.decode(raw)
if task.terminal == true then
	if task.state == ARGV[1] then
		return raw
	end
	return {err = "terminal"}
end
task.state = ARGV[1]
if ARGV[2] ~= "" then
	task.result = ARGV[2]
end
if ARGV[3] ~= "" then
	task.error = ARGV[3]
end
task.updated_at = ARGV[4]
task.terminal = ARGV[5] == "1"
if task.terminal then
	task.completed_at = ARGV[4]
end
local encoded = cjson.encode(task)
redis.call("set", KEYS[1], encoded, "EX", tonumber(ARGV[6]))
return encoded
`

// scheduleRetryScript mirrors updateStateScript's terminal-state guard but
// bumps retry_count and next_retry_at instead, resetting state to pending.
const scheduleRetryScript = `
local raw = redis.call("get", KEYS[1])
if not raw then
	return {err = "not_found"}
end
local task = cjson.decode(raw)
if task.terminal == true then
	return {err = "terminal"}
end
task.state = "Pending"
task.retry_count = (task.retry_count or 0) + 1
task.next_retry_at = ARGV[1]
task.updated_at = ARGV[2]
local encoded = cjson.encode(task)
redis.call("set", KEYS[1], encoded, "EX", tonumber(ARGV[3]))
return encoded
`

// record is the wire shape stored in Redis; it carries a denormalized
// "terminal" flag so the Lua script can branch without decoding State's Go
// semantics.
type record struct {
	Task
	Terminal bool `json:"terminal"`
}

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	rec := record{Task: *t, Terminal: t.State.IsTerminal()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("taskstore: marshal task: %w", err)
	}
	if err := s.client.Set(ctx, key(t.ID), data, ttlFor(t.State)).Err(); err != nil {
		observability.TaskStoreWriteErrors.WithLabelValues("create").Inc()
		return fmt.Errorf("taskstore: create: %w", err)
	}
	if err := s.client.SAdd(ctx, indexKey, t.ID).Err(); err != nil {
		observability.TaskStoreWriteErrors.WithLabelValues("create_index").Inc()
	}
	observability.TaskStateTransitions.WithLabelValues(string(t.Type), string(t.State)).Inc()
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: get: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal task: %w", err)
	}
	return &rec.Task, nil
}

func (s *RedisStore) UpdateState(ctx context.Context, id string, to State, result, errMsg string) (*Task, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	terminal := "0"
	if to.IsTerminal() {
		terminal = "1"
	}
	now := time.Now()
	res, err := s.client.EvalSha(ctx, s.updateStateSHA, []string{key(id)},
		string(to), result, errMsg, now.Format(time.RFC3339Nano), terminal, int64(ttlFor(to)/time.Second),
	).Result()
	if err != nil {
		if isNoScriptErr(err) {
			loaded, loadErr := s.client.ScriptLoad(ctx, updateStateScript).Result()
			if loadErr != nil {
				return nil, fmt.Errorf("taskstore: reload update-state script: %w", loadErr)
			}
			s.updateStateSHA = loaded
			return s.UpdateState(ctx, id, to, result, errMsg)
		}
		observability.TaskStoreWriteErrors.WithLabelValues("update_state").Inc()
		return nil, classifyScriptErr(err)
	}

	var rec record
	if err := json.Unmarshal([]byte(res.(string)), &rec); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal updated task: %w", err)
	}
	observability.TaskStateTransitions.WithLabelValues(string(rec.Type), string(to)).Inc()
	return &rec.Task, nil
}

func (s *RedisStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) (*Task, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	res, err := s.client.EvalSha(ctx, s.scheduleRetrySHA, []string{key(id)},
		nextRetryAt.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano), int64(ActiveTTL/time.Second),
	).Result()
	if err != nil {
		if isNoScriptErr(err) {
			loaded, loadErr := s.client.ScriptLoad(ctx, scheduleRetryScript).Result()
			if loadErr != nil {
				return nil, fmt.Errorf("taskstore: reload schedule-retry script: %w", loadErr)
			}
			s.scheduleRetrySHA = loaded
			return s.ScheduleRetry(ctx, id, nextRetryAt)
		}
		observability.TaskStoreWriteErrors.WithLabelValues("schedule_retry").Inc()
		return nil, classifyScriptErr(err)
	}

	var rec record
	if err := json.Unmarshal([]byte(res.(string)), &rec); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal retry-scheduled task: %w", err)
	}
	observability.TaskStateTransitions.WithLabelValues(string(rec.Type), string(StatePending)).Inc()
	return &rec.Task, nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress int, message string) (*Task, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.IsTerminal() {
		return nil, ErrTerminalState
	}
	t.Progress = clampProgress(progress)
	t.ProgressMsg = message
	t.UpdatedAt = time.Now()
	rec := record{Task: *t, Terminal: false}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("taskstore: marshal task: %w", err)
	}
	if err := s.client.Set(ctx, key(id), data, ttlFor(t.State)).Err(); err != nil {
		observability.TaskStoreWriteErrors.WithLabelValues("update_progress").Inc()
		return nil, fmt.Errorf("taskstore: update_progress: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, indexKey, id).Err()
}

// Cleanup reaps `conduit:tasks:index` entries whose backing record already
// expired out of Redis via its own TTL: the record itself needs no help
// (Redis handles that natively), but the index set would otherwise grow
// without bound since SADD has no TTL of its own.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("taskstore: cleanup scan: %w", err)
	}
	swept := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, key(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, indexKey, id).Err(); err == nil {
				swept++
			}
		}
	}
	if swept > 0 {
		observability.TaskStoreCleanupSwept.Add(float64(swept))
	}
	return swept, nil
}

func isNoScriptErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

func classifyScriptErr(err error) error {
	msg := err.Error()
	switch {
	case containsErr(msg, "not_found"):
		return ErrNotFound
	case containsErr(msg, "terminal"):
		return ErrTerminalState
	default:
		return fmt.Errorf("taskstore: update_state: %w", err)
	}
}

func containsErr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
