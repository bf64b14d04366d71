package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPropagatesThroughWrapping(t *testing.T) {
	base := New(KindValidation, "bad_input", "field missing")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, "bad_input", CodeOf(wrapped))
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "", CodeOf(err))
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "db_down", "connection refused")))
	assert.True(t, Retryable(New(KindTimeout, "deadline", "took too long")))
	assert.False(t, Retryable(New(KindValidation, "bad", "nope")))
	assert.False(t, Retryable(New(KindPolicyViolation, "denied", "nope")))

	// External errors retry only on upstream 5xx.
	upstream5xx := &Error{Kind: KindExternal, Code: "upstream", StatusCode: 503}
	upstream4xx := &Error{Kind: KindExternal, Code: "upstream", StatusCode: 404}
	assert.True(t, Retryable(upstream5xx))
	assert.False(t, Retryable(upstream4xx))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      http.StatusBadRequest,
		KindAuthentication:  http.StatusUnauthorized,
		KindAuthorization:   http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindConflict:        http.StatusConflict,
		KindPolicyViolation: http.StatusForbidden,
		KindRateLimit:       http.StatusTooManyRequests,
		KindTimeout:         http.StatusGatewayTimeout,
		KindTransient:       http.StatusBadGateway,
		KindExternal:        http.StatusBadGateway,
		KindConfiguration:   http.StatusInternalServerError,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "c", "m")), kind.String())
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindTransient, "db", "query failed", cause)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}
