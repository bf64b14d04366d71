package store

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/trustplane/backend/internal/faults"
)

// oldestFirst makes the read order explicit; postgrest defaults to
// descending when no options are given.
var oldestFirst = &postgrest.OrderOpts{Ascending: true}

// ============================================================================
// SUPABASE CLIENT — CRUD for every context-store table
// ============================================================================

// Client wraps the Supabase Go client with the control-plane operations.
// All entity methods take a Scope; the wrapper composes tenant_id and env
// into every filter so isolation cannot be forgotten at call sites.
type Client struct {
	client *supabase.Client
}

// NewClient creates a store client from explicit credentials.
func NewClient(url, serviceKey string) (*Client, error) {
	if url == "" || serviceKey == "" {
		return nil, faults.New(faults.KindConfiguration, "supabase_credentials",
			"SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Client{client: client}, nil
}

// Ping verifies reachability by probing the tenants table.
func (sc *Client) Ping(ctx context.Context) error {
	var rows []Tenant
	_, err := sc.client.From("tenants").
		Select("tenant_id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	return classify("ping", err)
}

// ============================================================================
// TENANTS & API KEYS
// ============================================================================

// GetTenant retrieves a tenant row. The tenant table is itself the
// isolation boundary, so it is the one lookup keyed by tenant_id alone.
func (sc *Client) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var rows []Tenant
	_, err := sc.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get tenant", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListActiveTenants returns every tenant whose status is active. Background
// jobs iterate this to scope their work.
func (sc *Client) ListActiveTenants(ctx context.Context) ([]Tenant, error) {
	var rows []Tenant
	_, err := sc.client.From("tenants").
		Select("*", "", false).
		Eq("status", "active").
		ExecuteTo(&rows)
	return rows, classify("list tenants", err)
}

// UpsertTenant creates or replaces a tenant registration.
func (sc *Client) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.TenantID == "" {
		return faults.New(faults.KindValidation, "missing_tenant", "tenant_id is required")
	}
	var rows []Tenant
	_, err := sc.client.From("tenants").
		Upsert(tenant, "tenant_id", "", "").
		ExecuteTo(&rows)
	return classify("upsert tenant", err)
}

// UpsertAPIKey creates or replaces an API key row. The caller hashes the
// secret half before it gets here; plaintext never reaches storage.
func (sc *Client) UpsertAPIKey(ctx context.Context, key *APIKey) error {
	var rows []APIKey
	_, err := sc.client.From("api_keys").
		Upsert(key, "key_id", "", "").
		ExecuteTo(&rows)
	return classify("upsert api key", err)
}

// GetAPIKey retrieves an API key row by its public key id.
func (sc *Client) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var rows []APIKey
	_, err := sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get api key", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// TouchAPIKey records last use; failures are non-fatal for the request path.
func (sc *Client) TouchAPIKey(ctx context.Context, keyID string) error {
	now := TS(time.Now())
	update := map[string]interface{}{"last_used_at": now}
	var rows []APIKey
	_, err := sc.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&rows)
	return classify("touch api key", err)
}

// ============================================================================
// AGENTS
// ============================================================================

// GetAgent retrieves an agent within a scope; nil when absent.
func (sc *Client) GetAgent(ctx context.Context, scope Scope, agentID string) (*Agent, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Agent
	_, err := sc.client.From("agents").
		Select("*", "", false).
		Eq("agent_id", agentID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get agent", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListAgents lists agents for a scope.
func (sc *Client) ListAgents(ctx context.Context, scope Scope, limit int) ([]Agent, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []Agent
	_, err := sc.client.From("agents").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, classify("list agents", err)
}

// UpsertAgent creates or replaces an agent registration.
func (sc *Client) UpsertAgent(ctx context.Context, agent *Agent) error {
	if err := (Scope{agent.TenantID, agent.Env}).validate(); err != nil {
		return err
	}
	agent.UpdatedAt = TS(time.Now())
	var rows []Agent
	_, err := sc.client.From("agents").
		Upsert(agent, "agent_id", "", "").
		ExecuteTo(&rows)
	return classify("upsert agent", err)
}

// UpdateAgentStatus transitions an agent's lifecycle status with optimistic
// concurrency on updated_at. A zero-row update means someone else won.
func (sc *Client) UpdateAgentStatus(ctx context.Context, scope Scope, agentID, status, prevUpdatedAt string) error {
	if err := scope.validate(); err != nil {
		return err
	}
	update := map[string]interface{}{
		"status":     status,
		"updated_at": TS(time.Now()),
	}
	q := sc.client.From("agents").
		Update(update, "", "").
		Eq("agent_id", agentID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env)
	if prevUpdatedAt != "" {
		q = q.Eq("updated_at", prevUpdatedAt)
	}
	var rows []Agent
	_, err := q.ExecuteTo(&rows)
	if err != nil {
		return classify("update agent status", err)
	}
	if len(rows) == 0 {
		return ErrConflict("agent", "agent row changed concurrently: "+agentID)
	}
	return nil
}

// UpdateAgentTrust writes a recomputed trust level.
func (sc *Client) UpdateAgentTrust(ctx context.Context, scope Scope, agentID string, trust float64) error {
	if err := scope.validate(); err != nil {
		return err
	}
	update := map[string]interface{}{
		"trust_level": trust,
		"updated_at":  TS(time.Now()),
	}
	var rows []Agent
	_, err := sc.client.From("agents").
		Update(update, "", "").
		Eq("agent_id", agentID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return classify("update agent trust", err)
}

// TouchAgentSeen records the most recent telemetry arrival for an agent.
func (sc *Client) TouchAgentSeen(ctx context.Context, scope Scope, agentID string) error {
	if err := scope.validate(); err != nil {
		return err
	}
	now := TS(time.Now())
	update := map[string]interface{}{"last_seen_at": now, "updated_at": now}
	var rows []Agent
	_, err := sc.client.From("agents").
		Update(update, "", "").
		Eq("agent_id", agentID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return classify("touch agent", err)
}

// ============================================================================
// WORKFLOWS
// ============================================================================

// GetWorkflow retrieves a workflow within a scope; nil when absent.
func (sc *Client) GetWorkflow(ctx context.Context, scope Scope, workflowID string) (*Workflow, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Workflow
	_, err := sc.client.From("workflows").
		Select("*", "", false).
		Eq("workflow_id", workflowID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get workflow", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListWorkflows lists workflows for a scope.
func (sc *Client) ListWorkflows(ctx context.Context, scope Scope, limit int) ([]Workflow, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	var rows []Workflow
	_, err := sc.client.From("workflows").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, classify("list workflows", err)
}

// UpsertWorkflow registers or updates a workflow.
func (sc *Client) UpsertWorkflow(ctx context.Context, wf *Workflow) error {
	if err := (Scope{wf.TenantID, wf.Env}).validate(); err != nil {
		return err
	}
	wf.UpdatedAt = TS(time.Now())
	var rows []Workflow
	_, err := sc.client.From("workflows").
		Upsert(wf, "workflow_id", "", "").
		ExecuteTo(&rows)
	return classify("upsert workflow", err)
}

// RecordWorkflowRun advances last_run_at, keeping it monotonic: an older
// run timestamp never overwrites a newer one.
func (sc *Client) RecordWorkflowRun(ctx context.Context, scope Scope, workflowID string, runAt time.Time) error {
	wf, err := sc.GetWorkflow(ctx, scope, workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrNotFound("workflow", workflowID)
	}
	if wf.LastRunAt != nil {
		if prev, ok := ParseTS(*wf.LastRunAt); ok && !runAt.After(prev) {
			return nil
		}
	}
	ts := TS(runAt)
	update := map[string]interface{}{
		"last_run_at": ts,
		"status":      "active",
		"updated_at":  TS(time.Now()),
	}
	var rows []Workflow
	_, err = sc.client.From("workflows").
		Update(update, "", "").
		Eq("workflow_id", workflowID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return classify("record workflow run", err)
}

// ============================================================================
// EVENTS (append-only)
// ============================================================================

// InsertEvent appends a canonical event. The unique indexes on event_id and
// (tenant_id, env, idempotency_key) make the write idempotent: a duplicate
// surfaces as Conflict and the caller reads the winning row instead.
func (sc *Client) InsertEvent(ctx context.Context, ev *Event) error {
	if err := (Scope{ev.TenantID, ev.Env}).validate(); err != nil {
		return err
	}
	if len(ev.Data) > MaxEventPayload {
		return faults.New(faults.KindValidation, "payload_too_large",
			fmt.Sprintf("event payload exceeds %d bytes", MaxEventPayload))
	}
	var rows []Event
	_, err := sc.client.From("events").
		Insert(ev, false, "", "", "").
		ExecuteTo(&rows)
	return classify("insert event", err)
}

// GetEventByIdempotencyKey finds the stored event for a replayed request.
func (sc *Client) GetEventByIdempotencyKey(ctx context.Context, scope Scope, key string) (*Event, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Event
	_, err := sc.client.From("events").
		Select("*", "", false).
		Eq("idempotency_key", key).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get event by idempotency key", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CountEventsBetween counts events in a window, used by KPI derivation.
func (sc *Client) CountEventsBetween(ctx context.Context, scope Scope, from, to time.Time) (int64, error) {
	if err := scope.validate(); err != nil {
		return 0, err
	}
	var rows []Event
	_, err := sc.client.From("events").
		Select("event_id", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Gte("timestamp", TS(from)).
		Lte("timestamp", TS(to)).
		ExecuteTo(&rows)
	if err != nil {
		return 0, classify("count events", err)
	}
	return int64(len(rows)), nil
}

// ============================================================================
// TELEMETRY
// ============================================================================

// InsertTelemetry appends a batch of telemetry records.
func (sc *Client) InsertTelemetry(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	var rows []TelemetryRecord
	_, err := sc.client.From("telemetry").
		Insert(records, false, "", "", "").
		ExecuteTo(&rows)
	return classify("insert telemetry", err)
}

// ListAgentTelemetry returns the newest telemetry for one agent.
func (sc *Client) ListAgentTelemetry(ctx context.Context, scope Scope, agentID string, limit int) ([]TelemetryRecord, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []TelemetryRecord
	_, err := sc.client.From("telemetry").
		Select("*", "", false).
		Eq("agent_id", agentID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Order("ts", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, classify("list agent telemetry", err)
}

// ListTelemetrySince returns all telemetry at or after the cutoff, oldest
// first, for anomaly polling and KPI windows.
func (sc *Client) ListTelemetrySince(ctx context.Context, scope Scope, since time.Time) ([]TelemetryRecord, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []TelemetryRecord
	_, err := sc.client.From("telemetry").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Gte("ts", TS(since)).
		Order("ts", oldestFirst).
		ExecuteTo(&rows)
	return rows, classify("list telemetry since", err)
}

// ============================================================================
// BASELINES
// ============================================================================

// GetBaseline retrieves one metric baseline; nil when absent.
func (sc *Client) GetBaseline(ctx context.Context, scope Scope, metricName string) (*Baseline, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Baseline
	_, err := sc.client.From("baselines").
		Select("*", "", false).
		Eq("metric_name", metricName).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get baseline", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpsertBaseline writes a refreshed baseline on its (scope, metric) key.
func (sc *Client) UpsertBaseline(ctx context.Context, b *Baseline) error {
	if err := (Scope{b.TenantID, b.Env}).validate(); err != nil {
		return err
	}
	b.UpdatedAt = TS(time.Now())
	var rows []Baseline
	_, err := sc.client.From("baselines").
		Upsert(b, "tenant_id,env,metric_name", "", "").
		ExecuteTo(&rows)
	return classify("upsert baseline", err)
}

// ListBaselines returns every baseline for a scope.
func (sc *Client) ListBaselines(ctx context.Context, scope Scope) ([]Baseline, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Baseline
	_, err := sc.client.From("baselines").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return rows, classify("list baselines", err)
}

// ============================================================================
// METRIC SNAPSHOTS
// ============================================================================

// InsertMetricSnapshot appends a KPI snapshot row.
func (sc *Client) InsertMetricSnapshot(ctx context.Context, snap *MetricSnapshot) error {
	if err := (Scope{snap.TenantID, snap.Env}).validate(); err != nil {
		return err
	}
	var rows []MetricSnapshot
	_, err := sc.client.From("metric_snapshots").
		Insert(snap, false, "", "", "").
		ExecuteTo(&rows)
	return classify("insert metric snapshot", err)
}

// LatestMetricSnapshot returns the most recent KPI snapshot; nil when none.
func (sc *Client) LatestMetricSnapshot(ctx context.Context, scope Scope) (*MetricSnapshot, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []MetricSnapshot
	_, err := sc.client.From("metric_snapshots").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Order("ts", nil).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("latest metric snapshot", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListMetricSnapshots returns snapshots inside a window, oldest first.
func (sc *Client) ListMetricSnapshots(ctx context.Context, scope Scope, from, to time.Time) ([]MetricSnapshot, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []MetricSnapshot
	_, err := sc.client.From("metric_snapshots").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Gte("ts", TS(from)).
		Lte("ts", TS(to)).
		Order("ts", oldestFirst).
		ExecuteTo(&rows)
	return rows, classify("list metric snapshots", err)
}

// ============================================================================
// ANOMALIES
// ============================================================================

// InsertAnomalies appends a detection batch atomically.
func (sc *Client) InsertAnomalies(ctx context.Context, anomalies []Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	var rows []Anomaly
	_, err := sc.client.From("anomalies").
		Insert(anomalies, false, "", "", "").
		ExecuteTo(&rows)
	return classify("insert anomalies", err)
}

// ListAnomaliesBetween returns anomalies detected inside a window.
func (sc *Client) ListAnomaliesBetween(ctx context.Context, scope Scope, from, to time.Time) ([]Anomaly, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []Anomaly
	_, err := sc.client.From("anomalies").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Gte("detected_at", TS(from)).
		Lte("detected_at", TS(to)).
		ExecuteTo(&rows)
	return rows, classify("list anomalies", err)
}

// ============================================================================
// IDEMPOTENCY RECORDS
// ============================================================================

// GetIdempotencyRecord returns the stored result for a key, or nil when the
// key is unknown or expired.
func (sc *Client) GetIdempotencyRecord(ctx context.Context, scope Scope, key string) (*IdempotencyRecord, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []IdempotencyRecord
	_, err := sc.client.From("idempotency_records").
		Select("*", "", false).
		Eq("key", key).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get idempotency record", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0]
	if exp, ok := ParseTS(rec.ExpiresAt); ok && time.Now().After(exp) {
		return nil, nil
	}
	return &rec, nil
}

// PutIdempotencyRecord stores a result under a key. Upsert keeps replays
// harmless when two workers race on the same key.
func (sc *Client) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	if err := (Scope{rec.TenantID, rec.Env}).validate(); err != nil {
		return err
	}
	rec.CreatedAt = TS(time.Now())
	var rows []IdempotencyRecord
	_, err := sc.client.From("idempotency_records").
		Upsert(rec, "tenant_id,env,key", "", "").
		ExecuteTo(&rows)
	return classify("put idempotency record", err)
}

// ============================================================================
// DEAD-LETTER QUEUE
// ============================================================================

// PushDLQ appends a dead-lettered envelope.
func (sc *Client) PushDLQ(ctx context.Context, entry *DLQEntry) error {
	if err := (Scope{entry.TenantID, entry.Env}).validate(); err != nil {
		return err
	}
	now := TS(time.Now())
	if entry.FirstSeen == "" {
		entry.FirstSeen = now
	}
	entry.LastSeen = now
	var rows []DLQEntry
	_, err := sc.client.From("dlq_entries").
		Insert(entry, false, "", "", "").
		ExecuteTo(&rows)
	return classify("push dlq", err)
}

// ListDLQ returns dead-letter entries for a scope, newest first.
func (sc *Client) ListDLQ(ctx context.Context, scope Scope, limit int) ([]DLQEntry, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []DLQEntry
	_, err := sc.client.From("dlq_entries").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Order("last_seen", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, classify("list dlq", err)
}

// DeleteDLQEntry removes one entry after a successful resubmission.
func (sc *Client) DeleteDLQEntry(ctx context.Context, scope Scope, entryID string) error {
	if err := scope.validate(); err != nil {
		return err
	}
	_, _, err := sc.client.From("dlq_entries").
		Delete("", "").
		Eq("entry_id", entryID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Execute()
	return classify("delete dlq entry", err)
}

// BumpDLQAttempt records a failed resubmission attempt on an entry.
func (sc *Client) BumpDLQAttempt(ctx context.Context, scope Scope, entryID string, attempts int) error {
	if err := scope.validate(); err != nil {
		return err
	}
	update := map[string]interface{}{
		"attempts":  attempts,
		"last_seen": TS(time.Now()),
	}
	var rows []DLQEntry
	_, err := sc.client.From("dlq_entries").
		Update(update, "", "").
		Eq("entry_id", entryID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return classify("bump dlq attempt", err)
}

// PruneDLQBefore removes entries older than the retention cutoff.
func (sc *Client) PruneDLQBefore(ctx context.Context, cutoff time.Time) error {
	_, _, err := sc.client.From("dlq_entries").
		Delete("", "").
		Lt("last_seen", TS(cutoff)).
		Execute()
	return classify("prune dlq", err)
}

// ============================================================================
// QUARANTINE
// ============================================================================

// OpenQuarantine records a quarantine entry for a resource.
func (sc *Client) OpenQuarantine(ctx context.Context, entry *QuarantineEntry) error {
	if err := (Scope{entry.TenantID, entry.Env}).validate(); err != nil {
		return err
	}
	entry.OpenedAt = TS(time.Now())
	entry.IsActive = true
	var rows []QuarantineEntry
	_, err := sc.client.From("quarantine_entries").
		Insert(entry, false, "", "", "").
		ExecuteTo(&rows)
	return classify("open quarantine", err)
}

// GetActiveQuarantine returns the active entry for a resource; nil if none.
func (sc *Client) GetActiveQuarantine(ctx context.Context, scope Scope, resourceID string) (*QuarantineEntry, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []QuarantineEntry
	_, err := sc.client.From("quarantine_entries").
		Select("*", "", false).
		Eq("resource_id", resourceID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Eq("is_active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get active quarantine", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ReleaseQuarantine ends a quarantine; quarantines end only this way.
func (sc *Client) ReleaseQuarantine(ctx context.Context, scope Scope, resourceID string) error {
	if err := scope.validate(); err != nil {
		return err
	}
	now := TS(time.Now())
	update := map[string]interface{}{
		"released_at": now,
		"is_active":   false,
	}
	var rows []QuarantineEntry
	_, err := sc.client.From("quarantine_entries").
		Update(update, "", "").
		Eq("resource_id", resourceID).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Eq("is_active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return classify("release quarantine", err)
	}
	if len(rows) == 0 {
		return ErrNotFound("quarantine", resourceID)
	}
	return nil
}

// ============================================================================
// POLICY RULES
// ============================================================================

// ListPolicyRules returns every declarative rule row for a scope, disabled
// ones included: a disabled row is how a tenant switches a built-in rule
// off, so the overlay needs to see it.
func (sc *Client) ListPolicyRules(ctx context.Context, scope Scope) ([]PolicyRule, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []PolicyRule
	_, err := sc.client.From("policy_rules").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		Order("name", nil).
		ExecuteTo(&rows)
	return rows, classify("list policy rules", err)
}

// ============================================================================
// AUDIT LOG & CONFIG FLAGS
// ============================================================================

// InsertAuditLog appends a governance audit entry.
func (sc *Client) InsertAuditLog(ctx context.Context, row *AuditLogRow) error {
	if err := (Scope{row.TenantID, row.Env}).validate(); err != nil {
		return err
	}
	var rows []AuditLogRow
	_, err := sc.client.From("governance_audit_log").
		Insert(row, false, "", "", "").
		ExecuteTo(&rows)
	return classify("insert audit log", err)
}

// ListConfigFlags returns the feature-flag rows for a scope.
func (sc *Client) ListConfigFlags(ctx context.Context, scope Scope) ([]ConfigFlag, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	var rows []ConfigFlag
	_, err := sc.client.From("config_flags").
		Select("*", "", false).
		Eq("tenant_id", scope.TenantID).
		Eq("env", scope.Env).
		ExecuteTo(&rows)
	return rows, classify("list config flags", err)
}
