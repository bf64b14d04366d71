// Package correlation attaches a per-request correlation identifier to the
// context and keeps it flowing across every suspension point: store writes,
// policy decisions, SAGA steps, and each log line until completion.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the inbound header carrying the caller-supplied identifier.
const Header = "x-correlation-id"

// MaxLen bounds the accepted identifier length (opaque ASCII, ≤128).
const MaxLen = 128

type ctxKey struct{}

// WithID returns a context carrying the given correlation identifier.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation identifier, or "" when absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns a context that is guaranteed to carry an identifier,
// generating one when the context has none.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// NewID generates a fresh correlation identifier.
func NewID() string {
	return uuid.NewString()
}

// FromRequest extracts a well-formed identifier from the request header, or
// generates a fresh one. Malformed values (non-ASCII, too long) are replaced
// rather than rejected so ingestion never fails on the tracing envelope.
func FromRequest(r *http.Request) string {
	id := r.Header.Get(Header)
	if id == "" || !wellFormed(id) {
		return NewID()
	}
	return id
}

// Middleware injects the correlation identifier into the request context and
// echoes it on the response so callers can link their own traces.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromRequest(r)
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

func wellFormed(id string) bool {
	if len(id) > MaxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
