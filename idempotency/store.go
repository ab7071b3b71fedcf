// Package idempotency implements request deduplication for POST /tasks:
// a client-supplied idempotency key guards against a retried HTTP call
// creating two independent task lifecycles via a two-phase lock/result
// store.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Response is the cached shape of whatever the guarded handler returned,
// replayed verbatim to a client that retries with the same key.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type entryState string

const (
	stateLocked entryState = "locked"
	stateResult entryState = "result"
)

type entry struct {
	State     entryState `json:"state"`
	Resp      Response   `json:"resp"`
	CreatedAt time.Time  `json:"created_at"`
}

// Backend is the minimal KV contract a Store needs: get-if-present,
// set-with-ttl, and an atomic set-if-absent for lock acquisition.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// lockTTL bounds how long one in-flight request can hold the lock; once it
// lapses, a later request with the same key acquires the lock and
// re-executes. A request already waiting gives up after 30s with
// ErrTimeout. resultTTL is how long a completed response stays replayable.
const (
	lockTTL   = 10 * time.Minute
	resultTTL = 24 * time.Hour
)

var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "idempotency: timed out waiting for in-flight request" }

// Store implements the LOCK -> EXECUTE -> RESULT pattern: the first
// caller with a given key runs execute and caches its result; any caller
// that arrives while execute is still running waits for that result
// instead of running a second, possibly conflicting, side effect.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Execute runs fn at most once per key. Concurrent callers with the same
// key block until the first caller's result is available and then share
// it. A failed fn stores nothing: its error goes only to the first
// caller, the lock stays until lockTTL lapses, and waiting callers get
// ErrTimeout after 30s.
func (s *Store) Execute(ctx context.Context, key string, fn func(context.Context) (Response, error)) (Response, error) {
	if existing, ok := s.load(ctx, key); ok {
		if existing.State == stateResult {
			return existing.Resp, nil
		}
		return s.wait(ctx, key)
	}

	acquired, err := s.backend.SetNX(ctx, key, encode(entry{State: stateLocked, CreatedAt: time.Now()}), lockTTL)
	if err != nil {
		return Response{}, err
	}
	if !acquired {
		return s.wait(ctx, key)
	}

	resp, err := fn(ctx)
	if err != nil {
		return Response{}, err
	}
	s.backend.Set(ctx, key, encode(entry{State: stateResult, Resp: resp, CreatedAt: time.Now()}), resultTTL)
	return resp, nil
}

func (s *Store) load(ctx context.Context, key string) (entry, bool) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return entry{}, false
	}
	var e entry
	if json.Unmarshal([]byte(raw), &e) != nil {
		return entry{}, false
	}
	return e, true
}

// wait polls for the lock holder's result with exponential backoff.
func (s *Store) wait(ctx context.Context, key string) (Response, error) {
	deadline := time.Now().Add(30 * time.Second)
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for time.Now().Before(deadline) {
		if e, ok := s.load(ctx, key); ok && e.State == stateResult {
			return e.Resp, nil
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return Response{}, ErrTimeout
}

func encode(e entry) string {
	data, _ := json.Marshal(e)
	return string(data)
}
