package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "corr-123")
	assert.Equal(t, "corr-123", FromContext(ctx))
	assert.Equal(t, "", FromContext(context.Background()))
}

func TestEnsureGeneratesOnce(t *testing.T) {
	ctx, id := Ensure(context.Background())
	require.NotEmpty(t, id)

	// A second Ensure must keep the existing identifier.
	ctx2, id2 := Ensure(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)
}

func TestFromRequestAcceptsWellFormed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(Header, "req-abc-001")
	assert.Equal(t, "req-abc-001", FromRequest(r))
}

func TestFromRequestReplacesMalformed(t *testing.T) {
	for _, bad := range []string{
		"has spaces here",
		strings.Repeat("x", MaxLen+1),
		"non-ascii-é",
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(Header, bad)
		got := FromRequest(r)
		assert.NotEqual(t, bad, got)
		assert.NotEmpty(t, got)
	}
}

func TestMiddlewareEchoesAndInjects(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(Header, "corr-echo")
	w := httptest.NewRecorder()
	Middleware(next).ServeHTTP(w, r)

	assert.Equal(t, "corr-echo", seen)
	assert.Equal(t, "corr-echo", w.Header().Get(Header))
}

func TestMiddlewareGeneratesWhenAbsent(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	})

	w := httptest.NewRecorder()
	Middleware(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(Header))
}
