package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memoryDedup struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newMemoryDedup() *memoryDedup { return &memoryDedup{entries: make(map[string]bool)} }

func (m *memoryDedup) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key] {
		return false, nil
	}
	m.entries[key] = true
	return true, nil
}

type noSecrets struct{}

func (noSecrets) SigningSecret(ctx context.Context, taskID string) (string, bool) { return "", false }

type staticSecret string

func (s staticSecret) SigningSecret(ctx context.Context, taskID string) (string, bool) {
	return string(s), true
}

func newDeliveryRequest(url string) DeliveryRequest {
	return DeliveryRequest{
		TaskID:      "t-1",
		TaskType:    "transcription",
		EventType:   "TaskCompleted",
		URL:         url,
		Body:        []byte(`{"task_id":"t-1","status":"completed"}`),
		RequestedAt: time.Now(),
	}
}

func TestDeliverSucceedsOn200(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), noSecrets{})
	d.Deliver(context.Background(), newDeliveryRequest(srv.URL))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", got)
	}
}

func TestDeliverSignsBodyWhenSecretConfigured(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(signatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), staticSecret("top-secret"))
	d.Deliver(context.Background(), newDeliveryRequest(srv.URL))

	if sig == "" {
		t.Fatal("expected a signature header to be set")
	}
	want := sign("top-secret", []byte(`{"task_id":"t-1","status":"completed"}`))
	if sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}
}

func TestDeliverRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), noSecrets{}, WithRetryDelays(5*time.Millisecond, 20*time.Millisecond))
	d.deliverWithRetry(context.Background(), newDeliveryRequest(srv.URL))

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", got)
	}
}

func TestDeliverDoesNotRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), noSecrets{})
	d.deliverWithRetry(context.Background(), newDeliveryRequest(srv.URL))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one attempt for a terminal 400, got %d", got)
	}
}

func TestDeliverRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), noSecrets{}, WithRetryDelays(5*time.Millisecond, 20*time.Millisecond))
	d.deliverWithRetry(context.Background(), newDeliveryRequest(srv.URL))

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a retry after 429, got %d calls", got)
	}
}

func TestDeliverSkipsDuplicateWithinDedupWindow(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dedup := newMemoryDedup()
	d := NewDispatcher(dedup, noSecrets{})
	req := newDeliveryRequest(srv.URL)

	d.Deliver(context.Background(), req)
	d.Deliver(context.Background(), req)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected the second delivery with the same dedup key to be skipped, got %d calls", got)
	}
}

func TestDeliverPassesThroughCustomHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Tenant-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(newMemoryDedup(), noSecrets{})
	req := newDeliveryRequest(srv.URL)
	req.Headers = map[string]string{"X-Tenant-Token": "abc123"}
	d.Deliver(context.Background(), req)

	if gotHeader != "abc123" {
		t.Fatalf("expected custom header to pass through, got %q", gotHeader)
	}
}
