package adapters

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/secrets"
	"github.com/trustplane/backend/internal/store"
)

const testSecret = "s3cret"

// verifyOnlyRuntime exercises the stages before any storage side effect;
// every request below must be rejected before the nil store is touched.
func verifyOnlyRuntime() *Runtime {
	bridge := secrets.NewBridge(secrets.StaticProvider{Values: map[string]string{
		"ZAPIER_WEBHOOK_SECRET": testSecret,
	}}, 0)
	return NewRuntime(nil, bridge, nil, nil, nil, nil, nil, nil,
		logging.NewWithWriter("pipeline-test", io.Discard))
}

func freshTimestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func staleTimestamp() string {
	return strconv.FormatInt(time.Now().Add(-MaxClockSkew-time.Minute).UnixMilli(), 10)
}

func TestProcessRejectsBadSignatureFirst(t *testing.T) {
	rt := verifyOnlyRuntime()
	body := []byte(`{"event":"run.finished","workflow_id":"wf-1"}`)

	// Both the signature and the timestamp are bad; the signature verdict
	// must win so an attacker learns nothing about the later stages.
	_, err := rt.Process(context.Background(), store.Scope{TenantID: "t1", Env: "prod"}, &Inbound{
		Source:    "zapier",
		Body:      body,
		Signature: Sign("wrong-secret", body),
		Timestamp: staleTimestamp(),
	})
	require.Error(t, err)
	assert.Equal(t, "signature_mismatch", faults.CodeOf(err))
	assert.Equal(t, faults.KindAuthentication, faults.KindOf(err))
}

func TestProcessRejectsStaleTimestampAfterSignature(t *testing.T) {
	rt := verifyOnlyRuntime()
	body := []byte(`{"event":"run.finished","workflow_id":"wf-1"}`)

	_, err := rt.Process(context.Background(), store.Scope{TenantID: "t1", Env: "prod"}, &Inbound{
		Source:    "zapier",
		Body:      body,
		Signature: Sign(testSecret, body),
		Timestamp: staleTimestamp(),
	})
	require.Error(t, err)
	assert.Equal(t, "timestamp_stale", faults.CodeOf(err))
}

func TestProcessRejectsBadEnvelopeAfterFreshness(t *testing.T) {
	rt := verifyOnlyRuntime()
	body := []byte(`{"event":42}`)

	_, err := rt.Process(context.Background(), store.Scope{TenantID: "t1", Env: "prod"}, &Inbound{
		Source:    "zapier",
		Body:      body,
		Signature: Sign(testSecret, body),
		Timestamp: freshTimestamp(),
	})
	require.Error(t, err)
	assert.Equal(t, "envelope_invalid", faults.CodeOf(err))
}

func TestProcessRejectsUnknownSourceSecret(t *testing.T) {
	rt := verifyOnlyRuntime()
	body := []byte(`{"event":"run.finished"}`)

	_, err := rt.Process(context.Background(), store.Scope{TenantID: "t1", Env: "prod"}, &Inbound{
		Source:    "make",
		Body:      body,
		Signature: Sign(testSecret, body),
		Timestamp: freshTimestamp(),
	})
	require.Error(t, err, "a source without a configured secret cannot be verified")
}

func TestResubmitRejectsMalformedEnvelope(t *testing.T) {
	rt := verifyOnlyRuntime()

	err := rt.Resubmit(context.Background(), store.Scope{TenantID: "t1", Env: "prod"},
		"zapier", []byte(`not json`), "corr-1")
	require.Error(t, err)
	assert.Equal(t, "body_malformed", faults.CodeOf(err))
}
