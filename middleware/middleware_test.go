package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVirtualKeyMiddlewareRejectsMissingHeader(t *testing.T) {
	handler := VirtualKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without a virtual key header")
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestVirtualKeyMiddlewareInjectsContext(t *testing.T) {
	var gotKey string
	handler := VirtualKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := VirtualKeyFromContext(r.Context())
		if err != nil {
			t.Fatalf("virtual key from context: %v", err)
		}
		gotKey = key
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(VirtualKeyHeader, "vk-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotKey != "vk-123" {
		t.Fatalf("virtual key = %q, want vk-123", gotKey)
	}
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight OPTIONS should not reach the wrapped handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestCORSMiddlewarePassesThroughNonPreflight(t *testing.T) {
	called := false
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks/t-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Fatal("expected wrapped handler to be called for a non-preflight request")
	}
}
