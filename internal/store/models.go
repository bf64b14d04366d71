// Package store is the context-store contract for the control plane:
// agents, workflows, canonical events, telemetry, baselines, KPI snapshots,
// anomalies, DLQ, quarantine, idempotency records, policy rules, and the
// feature-flag table. Every query composes tenant_id and env; a scope
// missing either is rejected as a programming error.
package store

import (
	"encoding/json"
	"time"

	"github.com/trustplane/backend/internal/faults"
)

// Scope is the mandatory multi-tenant isolation key.
type Scope struct {
	TenantID string
	Env      string
}

func (s Scope) validate() error {
	if s.TenantID == "" || s.Env == "" {
		return faults.New(faults.KindValidation, "scope_incomplete",
			"store query requires both tenant_id and env")
	}
	return nil
}

// Agent statuses.
const (
	AgentActive      = "active"
	AgentSuspended   = "suspended"
	AgentQuarantined = "quarantined"
	AgentDeprecated  = "deprecated"
)

// Workflow sources.
const (
	SourceZapier   = "zapier"
	SourceN8N      = "n8n"
	SourceMake     = "make"
	SourceAirflow  = "airflow"
	SourceInternal = "internal"
)

// Tenant is the isolation boundary.
type Tenant struct {
	TenantID  string                 `json:"tenant_id"`
	Name      string                 `json:"name"`
	Env       string                 `json:"env"`
	Status    string                 `json:"status"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt string                 `json:"created_at,omitempty"`
}

// APIKey binds a hashed key to a tenant scope.
type APIKey struct {
	KeyID      string   `json:"key_id"`
	TenantID   string   `json:"tenant_id"`
	Env        string   `json:"env"`
	Name       string   `json:"name"`
	KeyHash    string   `json:"key_hash"`
	Scopes     []string `json:"scopes,omitempty"`
	IsActive   bool     `json:"is_active"`
	ExpiresAt  *string  `json:"expires_at,omitempty"`
	LastUsedAt *string  `json:"last_used_at,omitempty"`
}

// Agent is a governed AI agent.
type Agent struct {
	AgentID        string   `json:"agent_id"`
	TenantID       string   `json:"tenant_id"`
	Env            string   `json:"env"`
	AgentType      string   `json:"agent_type"`
	Vendor         string   `json:"vendor,omitempty"`
	Model          string   `json:"model,omitempty"`
	Status         string   `json:"status"`
	ComplianceTier string   `json:"compliance_tier,omitempty"`
	TrustLevel     float64  `json:"trust_level"`
	Owners         []string `json:"owners,omitempty"`
	Policies       []string `json:"policies,omitempty"`
	LastSeenAt     *string  `json:"last_seen_at,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
}

// Workflow is a third-party or internal workflow registration.
type Workflow struct {
	WorkflowID string  `json:"workflow_id"`
	TenantID   string  `json:"tenant_id"`
	Env        string  `json:"env"`
	Source     string  `json:"source"`
	Trigger    string  `json:"trigger,omitempty"`
	Status     string  `json:"status"`
	LastRunAt  *string `json:"last_run_at,omitempty"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

// EventSource identifies where a canonical event came from.
type EventSource struct {
	Adapter         string `json:"adapter"`
	AgentID         string `json:"agent_id,omitempty"`
	IntegrationType string `json:"integration_type,omitempty"`
	Region          string `json:"region,omitempty"`
}

// EventMetadata carries tenancy and routing hints.
type EventMetadata struct {
	TenantID   string   `json:"tenant_id"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	RetryCount int      `json:"retry_count,omitempty"`
}

// EventSecurity carries the verification envelope.
type EventSecurity struct {
	Signature          string `json:"signature,omitempty"`
	SignatureAlgorithm string `json:"signature_algorithm,omitempty"`
	Classification     string `json:"classification,omitempty"`
	RequiresEncryption bool   `json:"requires_encryption,omitempty"`
}

// EventTelemetry links the event into the trace graph.
type EventTelemetry struct {
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Event is the canonical, append-only stored form of any inbound webhook.
// Payload keeps unknown source fields as opaque bytes.
type Event struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	Env            string          `json:"env"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	EventType      string          `json:"event_type"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         EventSource     `json:"source"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        string          `json:"version"`
	Data           json.RawMessage `json:"data"`
	Metadata       EventMetadata   `json:"metadata"`
	Security       EventSecurity   `json:"security"`
	Telemetry      EventTelemetry  `json:"telemetry"`
	Error          string          `json:"error,omitempty"`
}

// MaxEventPayload bounds the stored payload at 1 MiB.
const MaxEventPayload = 1 << 20

// TelemetryRecord is one telemetry sample for an agent.
type TelemetryRecord struct {
	TenantID         string  `json:"tenant_id"`
	Env              string  `json:"env"`
	AgentID          string  `json:"agent_id"`
	Timestamp        string  `json:"ts"`
	Operation        string  `json:"operation,omitempty"`
	LatencyMs        float64 `json:"latency_ms"`
	Errors           int     `json:"errors"`
	PolicyViolations int     `json:"policy_violations"`
	SuccessCount     int     `json:"success_count"`
	UptimePct        float64 `json:"uptime_pct"`
	CorrelationID    string  `json:"correlation_id,omitempty"`
}

// Baseline is a rolling statistical baseline for one metric.
type Baseline struct {
	TenantID    string  `json:"tenant_id"`
	Env         string  `json:"env"`
	MetricName  string  `json:"metric_name"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stddev"`
	P50         float64 `json:"p50"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	SampleCount int64   `json:"sample_count"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

// MetricSnapshot is one row of the tenant KPI time series.
type MetricSnapshot struct {
	Timestamp        string  `json:"ts"`
	TenantID         string  `json:"tenant_id"`
	Env              string  `json:"env"`
	TrustScore       float64 `json:"trust_score"`
	RiskAvoidedUSD   float64 `json:"risk_avoided_usd"`
	SyncFreshnessPct float64 `json:"sync_freshness_pct"`
	DriftRatePct     float64 `json:"drift_rate_pct"`
	ComplianceSLAPct float64 `json:"compliance_sla_pct"`
	ActiveAgents     int     `json:"active_agents"`
	ActiveWorkflows  int     `json:"active_workflows"`
	TotalEvents      int64   `json:"total_events"`
}

// Anomaly is a detected deviation recorded by the detector.
type Anomaly struct {
	AnomalyID     string  `json:"anomaly_id,omitempty"`
	TenantID      string  `json:"tenant_id"`
	Env           string  `json:"env"`
	AgentID       string  `json:"agent_id,omitempty"`
	AnomalyType   string  `json:"anomaly_type"`
	MetricName    string  `json:"metric_name"`
	Severity      string  `json:"severity"`
	Observed      float64 `json:"observed"`
	BaselineValue float64 `json:"baseline_value"`
	ZScore        float64 `json:"z_score,omitempty"`
	DetectedAt    string  `json:"detected_at"`
	Details       string  `json:"details,omitempty"`
}

// PolicyRule is a declarative, versioned rule record evaluated by the
// policy engine.
type PolicyRule struct {
	RuleID      string          `json:"rule_id"`
	TenantID    string          `json:"tenant_id"`
	Env         string          `json:"env"`
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	RuleType    string          `json:"rule_type"`
	Enabled     bool            `json:"enabled"`
	Enforcement string          `json:"enforcement"`
	Rules       json.RawMessage `json:"rules"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// IdempotencyRecord stores the prior result for a content-derived key.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	TenantID  string          `json:"tenant_id"`
	Env       string          `json:"env"`
	Result    json.RawMessage `json:"result"`
	ExpiresAt string          `json:"expires_at"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// DLQEntry is a dead-lettered request envelope. Rows older than 30 days
// are pruned by the retention job.
type DLQEntry struct {
	EntryID       string          `json:"entry_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	Env           string          `json:"env"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	CorrelationID string          `json:"correlation_id"`
	Attempts      int             `json:"attempts"`
	FirstSeen     string          `json:"first_seen"`
	LastSeen      string          `json:"last_seen"`
}

// DLQRetention is the dead-letter retention window.
const DLQRetention = 30 * 24 * time.Hour

// QuarantineEntry marks a resource that accepts no further work until
// explicitly released.
type QuarantineEntry struct {
	QuarantineID string  `json:"quarantine_id,omitempty"`
	TenantID     string  `json:"tenant_id"`
	Env          string  `json:"env"`
	ResourceID   string  `json:"resource_id"`
	ResourceType string  `json:"resource_type"`
	Reason       string  `json:"reason"`
	OpenedAt     string  `json:"opened_at"`
	ReleasedAt   *string `json:"released_at,omitempty"`
	IsActive     bool    `json:"is_active"`
}

// AuditLogRow records a governance-relevant action (blocking decisions,
// self-healing remediations, quarantine transitions).
type AuditLogRow struct {
	LogID         string          `json:"log_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	Env           string          `json:"env"`
	EventType     string          `json:"event_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	TargetID      string          `json:"target_id,omitempty"`
	Action        string          `json:"action"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

// ConfigFlag is one row of the server-resolved feature-flag snapshot.
type ConfigFlag struct {
	TenantID  string          `json:"tenant_id"`
	Env       string          `json:"env"`
	FlagName  string          `json:"flag_name"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// HourlyRollup is the compact per-service per-hour aggregate.
type HourlyRollup struct {
	TenantID     string  `json:"tenant_id"`
	Env          string  `json:"env"`
	Service      string  `json:"service"`
	HourStart    string  `json:"hour_start"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
}

// TS formats a time for storage: UTC RFC3339.
func TS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTS parses a stored timestamp, tolerating the fractional-seconds
// forms Postgres emits.
func ParseTS(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
