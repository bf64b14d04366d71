package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trustplane/backend/internal/logging"
)

func discardLogger() *logging.Logger {
	return logging.NewWithWriter("auth-test", io.Discard)
}

// Management routes accept API keys only. A bare tenant header must never
// grant scope; none of these requests may reach the handler or the store.
func TestTenantAuthRejectsHeaderOnlyRequests(t *testing.T) {
	invoked := false
	h := TenantAuth(nil, discardLogger(), func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	})

	send := func(mutate func(*http.Request)) int {
		r := httptest.NewRequest(http.MethodPost, "/agents/a-1/quarantine/release", nil)
		mutate(r)
		w := httptest.NewRecorder()
		h(w, r)
		return w.Code
	}

	// Tenant header alone.
	code := send(func(r *http.Request) {
		r.Header.Set("X-Tenant-ID", "acme")
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, invoked)

	// Tenant and env headers together.
	code = send(func(r *http.Request) {
		r.Header.Set("X-Tenant-ID", "acme")
		r.Header.Set("X-Env", "prod")
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, invoked)

	// No credentials at all.
	code = send(func(r *http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, invoked)

	// Non-key bearer token.
	code = send(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer something-else")
		r.Header.Set("X-Tenant-ID", "acme")
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, invoked)
}

func TestTenantAuthRejectsMalformedKeyBeforeStoreLookup(t *testing.T) {
	invoked := false
	h := TenantAuth(nil, discardLogger(), func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	})

	// The key shape is checked before any store access, so a nil client is
	// never dereferenced for these.
	r := httptest.NewRequest(http.MethodGet, "/trust", nil)
	r.Header.Set("Authorization", "Bearer tp_only-two-parts")
	w := httptest.NewRecorder()
	h(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, invoked)
}

func TestWebhookScopeRequiresTenantHeader(t *testing.T) {
	invoked := false
	h := WebhookScope(nil, discardLogger(), func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	})

	r := httptest.NewRequest(http.MethodPost, "/adapters/zapier/webhook", nil)
	w := httptest.NewRecorder()
	h(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, invoked)
}
