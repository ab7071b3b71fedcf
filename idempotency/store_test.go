package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteRunsOnceForSameKey(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	var calls int32

	run := func() (Response, error) {
		return s.Execute(context.Background(), "key-1", func(ctx context.Context) (Response, error) {
			atomic.AddInt32(&calls, 1)
			return Response{StatusCode: 202, Body: []byte(`{"task_id":"t-1"}`)}, nil
		})
	}

	first, err := run()
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := run()
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected fn to run once, ran %d times", calls)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatalf("expected replayed response to match original")
	}
}

func TestExecuteDistinctKeysRunIndependently(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	var calls int32
	fn := func(ctx context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{StatusCode: 202}, nil
	}

	s.Execute(context.Background(), "a", fn)
	s.Execute(context.Background(), "b", fn)

	if calls != 2 {
		t.Fatalf("expected fn to run for each distinct key, ran %d times", calls)
	}
}

func TestExecuteConcurrentCallersShareResult(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	var calls int32
	var wg sync.WaitGroup
	results := make([]Response, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := s.Execute(context.Background(), "shared", func(ctx context.Context) (Response, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return Response{StatusCode: 202, Body: []byte("done")}, nil
			})
			if err != nil {
				t.Errorf("execute %d: %v", idx, err)
				return
			}
			results[idx] = resp
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one execution among concurrent callers, got %d", calls)
	}
	for i, r := range results {
		if string(r.Body) != "done" {
			t.Fatalf("caller %d got unexpected response: %+v", i, r)
		}
	}
}

func TestMemoryBackendSetNXRejectsWhileLive(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	first, err := b.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to succeed, got %v %v", first, err)
	}
	second, err := b.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || second {
		t.Fatalf("expected second SetNX to fail while key is live, got %v %v", second, err)
	}
}

func TestMemoryBackendSetNXAllowsAfterExpiry(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if _, err := b.SetNX(ctx, "k", "v1", -time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	ok, err := b.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected SetNX to succeed after expiry, got %v %v", ok, err)
	}
}
