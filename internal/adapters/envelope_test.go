package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/store"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event":"new_lead","data":{}}`)
	sig := Sign("topsecret", body)
	require.NoError(t, VerifySignature("topsecret", sig, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"event":"new_lead","amount":100}`)
	sig := Sign("topsecret", body)

	// Any single-byte mutation must invalidate the signature.
	tampered := []byte(`{"event":"new_lead","amount":900}`)
	err := VerifySignature("topsecret", sig, tampered)
	require.Error(t, err)
	assert.Equal(t, faults.KindAuthentication, faults.KindOf(err))
	assert.Equal(t, "signature_mismatch", faults.CodeOf(err))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	sig := Sign("secret-a", body)
	assert.Error(t, VerifySignature("secret-b", sig, body))
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	body := []byte(`{"event":"x"}`)
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(body)
	padded := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	require.NoError(t, VerifySignature("k", padded, body))
}

func TestVerifyMissingAndMalformed(t *testing.T) {
	err := VerifySignature("k", "", []byte(`{}`))
	assert.Equal(t, "signature_missing", faults.CodeOf(err))

	err = VerifySignature("k", "not base64 at all!!!", []byte(`{}`))
	assert.Equal(t, "signature_malformed", faults.CodeOf(err))
}

func TestVerifyTimestampWindow(t *testing.T) {
	now := time.Now()
	fresh := fmt.Sprintf("%d", now.UnixMilli())
	require.NoError(t, VerifyTimestamp(fresh, now))

	stale := fmt.Sprintf("%d", now.Add(-6*time.Minute).UnixMilli())
	err := VerifyTimestamp(stale, now)
	assert.Equal(t, "timestamp_stale", faults.CodeOf(err))

	future := fmt.Sprintf("%d", now.Add(6*time.Minute).UnixMilli())
	assert.Equal(t, "timestamp_stale", faults.CodeOf(VerifyTimestamp(future, now)))

	assert.Equal(t, "timestamp_missing", faults.CodeOf(VerifyTimestamp("", now)))
	assert.Equal(t, "timestamp_malformed", faults.CodeOf(VerifyTimestamp("yesterday", now)))
}

func TestValidateEnvelope(t *testing.T) {
	require.NoError(t, ValidateEnvelope([]byte(`{"event":"run","data":{"k":1}}`)))

	assert.Equal(t, "body_empty", faults.CodeOf(ValidateEnvelope(nil)))
	assert.Equal(t, "body_malformed", faults.CodeOf(ValidateEnvelope([]byte(`{"event":`))))

	big := []byte(`{"data":"` + strings.Repeat("x", store.MaxEventPayload) + `"}`)
	assert.Equal(t, "payload_too_large", faults.CodeOf(ValidateEnvelope(big)))

	// Schema violation: event must be a string.
	assert.Equal(t, "envelope_invalid", faults.CodeOf(ValidateEnvelope([]byte(`{"event":42}`))))
}

func TestNormalizePerSource(t *testing.T) {
	zap := Normalize(store.SourceZapier, []byte(`{"zap_id":"z1","id":"run-9","event":"new_lead","agent_id":"a1"}`))
	assert.Equal(t, Normalized{WorkflowID: "z1", ExecutionID: "run-9", EventType: "new_lead", AgentID: "a1"}, zap)

	n8n := Normalize(store.SourceN8N, []byte(`{"workflowId":"wf2","executionId":"ex2","event":"done"}`))
	assert.Equal(t, "wf2", n8n.WorkflowID)
	assert.Equal(t, "ex2", n8n.ExecutionID)

	mk := Normalize(store.SourceMake, []byte(`{"scenarioId":"sc3","executionId":"ex3"}`))
	assert.Equal(t, "sc3", mk.WorkflowID)

	af := Normalize(store.SourceAirflow, []byte(`{"dag_id":"etl","run_id":"sched-1","event_type":"dag_run"}`))
	assert.Equal(t, "etl", af.WorkflowID)
	assert.Equal(t, "sched-1", af.ExecutionID)
	assert.Equal(t, "dag_run", af.EventType)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	n := Normalize(store.SourceZapier, []byte(`{"zap_id":"z1"}`))
	assert.Equal(t, "zapier.webhook", n.EventType)
	assert.NotEmpty(t, n.ExecutionID, "a missing execution id gets generated")

	// The generated id is fresh per call.
	n2 := Normalize(store.SourceZapier, []byte(`{"zap_id":"z1"}`))
	assert.NotEqual(t, n.ExecutionID, n2.ExecutionID)
}
