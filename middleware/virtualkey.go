// Package middleware implements the HTTP-layer concerns wrapping the task
// lifecycle API: virtual-key context extraction and CORS.
package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// ContextKey is a strict type for context keys to prevent collisions with
// other packages that might stash values on the same request context.
type ContextKey string

const (
	// VirtualKeyContextKey is the context key holding the opaque token
	// presented by the client, per spec §1's "opaque virtual-key tokens".
	VirtualKeyContextKey ContextKey = "virtual_key_id"
	// VirtualKeyHeader is the HTTP header expected to carry it.
	VirtualKeyHeader = "X-Virtual-Key"
)

// VirtualKeyMiddleware extracts the virtual key from the request header
// and injects it into the context. Validity/quota/balance checks happen
// downstream (QuotaChecker); this layer only rejects a request that
// carries no key at all.
func VirtualKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(VirtualKeyHeader)
		if key == "" {
			http.Error(w, fmt.Sprintf("missing required header: %s", VirtualKeyHeader), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), VirtualKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VirtualKeyFromContext safely retrieves the virtual key id from the
// context, for handlers downstream of VirtualKeyMiddleware.
func VirtualKeyFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(VirtualKeyContextKey)
	if val == nil {
		return "", fmt.Errorf("virtual_key_id not found in context")
	}
	key, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("virtual_key_id in context is not a string")
	}
	return key, nil
}
