// Package adapters is the ingestion runtime for third-party workflow
// webhooks (Zapier, n8n, Make, Airflow). Every endpoint funnels through one
// middleware pipeline: verify signature, check freshness, dedupe, evaluate
// policy, execute behind the breaker, record telemetry, compensate and
// dead-letter on failure.
package adapters

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/store"
)

// Canonical webhook headers.
const (
	HeaderSignature      = "x-signature"
	HeaderTimestamp      = "x-timestamp"
	HeaderIdempotencyKey = "x-idempotency-key"
)

// MaxClockSkew bounds how stale or future-dated a signed request may be.
const MaxClockSkew = 5 * time.Minute

// Sign computes the canonical signature: base64url HMAC-SHA256 over the raw
// body bytes exactly as received, joined to nothing else.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature in constant time. Both the
// padded and unpadded base64url forms are accepted.
func VerifySignature(secret, presented string, body []byte) error {
	if presented == "" {
		return faults.New(faults.KindAuthentication, "signature_missing", "x-signature header is required")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(presented)
	if err != nil {
		if decoded, err = base64.URLEncoding.DecodeString(presented); err != nil {
			return faults.New(faults.KindAuthentication, "signature_malformed", "x-signature is not valid base64url")
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(decoded, expected) {
		return faults.New(faults.KindAuthentication, "signature_mismatch", "signature does not match request body")
	}
	return nil
}

// VerifyTimestamp parses the unix-ms x-timestamp header and rejects requests
// outside the replay window.
func VerifyTimestamp(header string, now time.Time) error {
	if header == "" {
		return faults.New(faults.KindValidation, "timestamp_missing", "x-timestamp header is required")
	}
	ms, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return faults.New(faults.KindValidation, "timestamp_malformed", "x-timestamp must be unix milliseconds")
	}
	at := time.UnixMilli(ms)
	if diff := now.Sub(at); diff > MaxClockSkew || diff < -MaxClockSkew {
		return faults.New(faults.KindValidation, "timestamp_stale",
			fmt.Sprintf("request timestamp outside the ±%s window", MaxClockSkew))
	}
	return nil
}

// envelopeSchema validates the common shape of every inbound webhook body.
// Source-specific fields stay open; only the generic contract is enforced.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"event": {"type": "string"},
		"event_type": {"type": "string"},
		"workflow_id": {"type": "string"},
		"execution_id": {"type": "string"},
		"data": {"type": "object"}
	},
	"additionalProperties": true
}`

var compiledEnvelope = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// ValidateEnvelope checks the body is a JSON object conforming to the
// envelope schema and within the payload bound.
func ValidateEnvelope(body []byte) error {
	if len(body) == 0 {
		return faults.New(faults.KindValidation, "body_empty", "request body is required")
	}
	if len(body) > store.MaxEventPayload {
		return faults.New(faults.KindValidation, "payload_too_large",
			fmt.Sprintf("payload exceeds %d bytes", store.MaxEventPayload))
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return faults.New(faults.KindValidation, "body_malformed", "request body is not valid JSON")
	}
	if err := compiledEnvelope.Validate(doc); err != nil {
		return faults.Wrap(faults.KindValidation, "envelope_invalid", "body does not match the webhook envelope", err)
	}
	return nil
}

// Normalized is the adapter-independent view of one webhook extracted by a
// source normalizer.
type Normalized struct {
	WorkflowID  string
	ExecutionID string
	EventType   string
	AgentID     string
}

// Normalize maps a source body onto the canonical fields. Unknown sources
// fall through to the generic field names.
func Normalize(source string, body []byte) Normalized {
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(body, &raw)
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				var s string
				if json.Unmarshal(v, &s) == nil && s != "" {
					return s
				}
			}
		}
		return ""
	}

	var n Normalized
	switch source {
	case store.SourceZapier:
		n.WorkflowID = str("zap_id", "workflow_id")
		n.ExecutionID = str("id", "execution_id")
		n.EventType = str("event", "event_type")
	case store.SourceN8N:
		n.WorkflowID = str("workflowId", "workflow_id")
		n.ExecutionID = str("executionId", "execution_id")
		n.EventType = str("event", "event_type")
	case store.SourceMake:
		n.WorkflowID = str("scenarioId", "scenario_id", "workflow_id")
		n.ExecutionID = str("executionId", "execution_id")
		n.EventType = str("event", "event_type")
	case store.SourceAirflow:
		n.WorkflowID = str("dag_id", "workflow_id")
		n.ExecutionID = str("run_id", "execution_id")
		n.EventType = str("event_type", "event")
	default:
		n.WorkflowID = str("workflow_id")
		n.ExecutionID = str("execution_id")
		n.EventType = str("event_type", "event")
	}
	n.AgentID = str("agent_id", "agentId")

	if n.EventType == "" {
		n.EventType = source + ".webhook"
	}
	if n.ExecutionID == "" {
		n.ExecutionID = uuid.NewString()
	}
	return n
}
