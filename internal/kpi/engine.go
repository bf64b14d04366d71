// Package kpi derives per-agent trust scores and the tenant KPI bundle
// (Trust Score, Risk Avoided $, Sync Freshness, Drift Rate, Compliance SLA,
// Self-Resolution Ratio) from telemetry, workflows, and anomalies.
package kpi

import (
	"context"
	"time"

	"github.com/trustplane/backend/internal/anomaly"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

// Weights combine the four trust factors; they must sum to 1.
type Weights struct {
	Reliability     float64
	PolicyAdherence float64
	Freshness       float64
	RiskExposure    float64
}

// DefaultWeights is the standard 0.3/0.3/0.2/0.2 split.
func DefaultWeights() Weights {
	return Weights{Reliability: 0.3, PolicyAdherence: 0.3, Freshness: 0.2, RiskExposure: 0.2}
}

// Config tunes the engine.
type Config struct {
	Weights             Weights
	SyncFreshnessSLO    time.Duration // default 24h
	IncidentCostUSD     float64       // default 10000
	ViolationCostUSD    float64       // default 500
	AnomalyScanInterval time.Duration // default 5m, sizes the compliance denominator
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	zero := Weights{}
	if c.Weights == zero {
		c.Weights = DefaultWeights()
	}
	if c.SyncFreshnessSLO <= 0 {
		c.SyncFreshnessSLO = 24 * time.Hour
	}
	if c.IncidentCostUSD <= 0 {
		c.IncidentCostUSD = 10000
	}
	if c.ViolationCostUSD <= 0 {
		c.ViolationCostUSD = 500
	}
	if c.AnomalyScanInterval <= 0 {
		c.AnomalyScanInterval = 5 * time.Minute
	}
}

// Bundle is the tenant KPI set for one [from, to] window.
type Bundle struct {
	TenantID            string    `json:"tenant_id"`
	Env                 string    `json:"env"`
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	TrustScore          float64   `json:"trust_score"`
	RiskAvoidedUSD      float64   `json:"risk_avoided_usd"`
	SyncFreshnessPct    float64   `json:"sync_freshness_pct"`
	DriftRatePct        float64   `json:"drift_rate_pct"`
	ComplianceSLAPct    float64   `json:"compliance_sla_pct"`
	SelfResolutionRatio float64   `json:"self_resolution_ratio"`
	ActiveAgents        int       `json:"active_agents"`
	ActiveWorkflows     int       `json:"active_workflows"`
	TotalEvents         int64     `json:"total_events"`
	ErrorRate           float64   `json:"error_rate"`
	PolicyViolationRate float64   `json:"policy_violation_rate"`
	BlockedEvents       int64     `json:"blocked_events"`
	ViolationsPrevented int64     `json:"violations_prevented"`
}

// Engine computes KPI bundles and persists them as metric snapshots.
type Engine struct {
	store  *store.Client
	logger *logging.Logger
	cfg    Config
}

// NewEngine creates the engine.
func NewEngine(sc *store.Client, logger *logging.Logger, cfg Config) *Engine {
	cfg.ApplyDefaults()
	return &Engine{store: sc, logger: logger, cfg: cfg}
}

// ForTenant returns an engine over the same store and logger computing with
// a tenant's effective config. The periodic snapshot job uses this to honor
// per-tenant weight and cost overrides.
func (e *Engine) ForTenant(cfg Config) *Engine {
	cfg.ApplyDefaults()
	return &Engine{store: e.store, logger: e.logger, cfg: cfg}
}

// Compute derives the bundle for a scope and window. It reads only stored
// data, so recomputing a past window with no new writes returns identical
// values.
func (e *Engine) Compute(ctx context.Context, scope store.Scope, from, to time.Time) (*Bundle, error) {
	b := &Bundle{TenantID: scope.TenantID, Env: scope.Env, From: from, To: to}

	records, err := e.store.ListTelemetrySince(ctx, scope, from)
	if err != nil {
		return nil, err
	}
	var requests, errs, violations int64
	for _, rec := range records {
		if ts, ok := store.ParseTS(rec.Timestamp); !ok || ts.After(to) {
			continue
		}
		requests += int64(rec.SuccessCount + rec.Errors)
		errs += int64(rec.Errors)
		violations += int64(rec.PolicyViolations)
	}
	if requests > 0 {
		b.ErrorRate = float64(errs) / float64(requests)
		b.PolicyViolationRate = float64(violations) / float64(requests)
	}

	agents, err := e.store.ListAgents(ctx, scope, 1000)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Status == store.AgentActive {
			b.ActiveAgents++
		}
	}

	workflows, err := e.store.ListWorkflows(ctx, scope, 1000)
	if err != nil {
		return nil, err
	}
	fresh := 0
	for _, wf := range workflows {
		if wf.Status == "active" {
			b.ActiveWorkflows++
		}
		if wf.LastRunAt == nil {
			continue
		}
		if runAt, ok := store.ParseTS(*wf.LastRunAt); ok && to.Sub(runAt) <= e.cfg.SyncFreshnessSLO {
			fresh++
		}
	}
	if len(workflows) > 0 {
		b.SyncFreshnessPct = float64(fresh) / float64(len(workflows)) * 100
	} else {
		b.SyncFreshnessPct = 100
	}

	b.TotalEvents, err = e.store.CountEventsBetween(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}

	anomalies, err := e.store.ListAnomaliesBetween(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	if b.TotalEvents > 0 {
		b.DriftRatePct = float64(len(anomalies)) / float64(b.TotalEvents) * 100
	}

	slaBreaches := 0
	for _, a := range anomalies {
		if a.AnomalyType == anomaly.TypeSLABreach {
			slaBreaches++
		}
	}
	// One scan window per interval is the obligation count; a window with a
	// recorded breach is an obligation missed.
	windows := int(to.Sub(from) / e.cfg.AnomalyScanInterval)
	if windows < 1 {
		windows = 1
	}
	if slaBreaches > windows {
		slaBreaches = windows
	}
	b.ComplianceSLAPct = float64(windows-slaBreaches) / float64(windows) * 100

	// Blocked events and prevented violations come from telemetry; each
	// policy violation recorded there was caught before execution.
	b.ViolationsPrevented = violations
	b.BlockedEvents = violations
	b.RiskAvoidedUSD = float64(b.BlockedEvents)*e.cfg.IncidentCostUSD +
		float64(b.ViolationsPrevented)*e.cfg.ViolationCostUSD

	healed, incidents := remediationCounts(anomalies)
	if incidents > 0 {
		b.SelfResolutionRatio = float64(healed) / float64(incidents)
	}

	b.TrustScore = e.trustScore(b)
	return b, nil
}

// trustScore combines the four factors into [0,100].
func (e *Engine) trustScore(b *Bundle) float64 {
	reliability := clamp01(1 - b.ErrorRate)
	adherence := clamp01(1 - b.PolicyViolationRate)
	freshness := clamp01(b.SyncFreshnessPct / 100)
	riskExposure := clamp01(b.DriftRatePct / 100)

	w := e.cfg.Weights
	score := w.Reliability*reliability +
		w.PolicyAdherence*adherence +
		w.Freshness*freshness +
		w.RiskExposure*(1-riskExposure)
	return clamp01(score) * 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// remediationCounts derives the self-resolution inputs from the anomaly
// window: criticals are incidents needing a human, the rest auto-heal.
func remediationCounts(anomalies []store.Anomaly) (healed, incidents int) {
	for _, a := range anomalies {
		incidents++
		if a.Severity != anomaly.SeverityCritical {
			healed++
		}
	}
	return
}

// Snapshot computes the bundle for the trailing 24 hours and persists it as
// a metric snapshot row. Runs periodically and after self-healing actions.
func (e *Engine) Snapshot(ctx context.Context, scope store.Scope) (*Bundle, error) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	b, err := e.Compute(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}

	snap := &store.MetricSnapshot{
		Timestamp:        store.TS(to),
		TenantID:         scope.TenantID,
		Env:              scope.Env,
		TrustScore:       b.TrustScore,
		RiskAvoidedUSD:   b.RiskAvoidedUSD,
		SyncFreshnessPct: b.SyncFreshnessPct,
		DriftRatePct:     b.DriftRatePct,
		ComplianceSLAPct: b.ComplianceSLAPct,
		ActiveAgents:     b.ActiveAgents,
		ActiveWorkflows:  b.ActiveWorkflows,
		TotalEvents:      b.TotalEvents,
	}
	if err := e.store.InsertMetricSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return b, nil
}
