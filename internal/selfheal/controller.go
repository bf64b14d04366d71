// Package selfheal is the periodic controller that diagnoses stale agents,
// stuck workflows, and long-open circuit breakers, and applies an
// escalating remediation ladder: retry, DLQ ticket, suspension, quarantine.
package selfheal

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/trustplane/backend/internal/circuitbreaker"
	"github.com/trustplane/backend/internal/events"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/store"
)

// Remediation actions, in order of severity.
const (
	ActionResubmit   = "resubmit"
	ActionDLQTicket  = "dlq_ticket"
	ActionSuspend    = "suspend"
	ActionQuarantine = "quarantine"
	ActionTrustDecay = "trust_decay"
)

// Resubmitter replays a dead-lettered envelope through the ingestion
// pipeline. The adapter runtime satisfies this.
type Resubmitter interface {
	Resubmit(ctx context.Context, scope store.Scope, source string,
		payload json.RawMessage, correlationID string) error
}

// Config tunes the controller.
type Config struct {
	Enabled       bool
	StalenessSLO  time.Duration // agent telemetry older than this is stale (default 24h)
	StuckTimeout  time.Duration // workflow running longer than this is stuck (default 2h)
	BreakerMaxAge time.Duration // breaker open longer than this is flagged (default 10m)
	MaxResubmits  int           // dead letters past this many attempts stay a ticket (default 3)

	// Trust decay for inactive agents.
	DecayRate  float64 // per-sweep multiplier (default 0.99)
	FloorTrust float64 // trust never decays below (default 0.1)
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.StalenessSLO <= 0 {
		c.StalenessSLO = 24 * time.Hour
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 2 * time.Hour
	}
	if c.BreakerMaxAge <= 0 {
		c.BreakerMaxAge = 10 * time.Minute
	}
	if c.MaxResubmits <= 0 {
		c.MaxResubmits = 3
	}
	if c.DecayRate <= 0 || c.DecayRate >= 1 {
		c.DecayRate = 0.99
	}
	if c.FloorTrust <= 0 {
		c.FloorTrust = 0.1
	}
}

// Finding is one diagnosed problem and the action taken for it.
type Finding struct {
	Kind       string `json:"kind"`
	ResourceID string `json:"resource_id"`
	Action     string `json:"action"`
	Detail     string `json:"detail"`
}

// Controller runs the scan.
type Controller struct {
	store    *store.Client
	breakers *circuitbreaker.Registry
	bus      *events.Bus
	resubmit Resubmitter
	logger   *logging.Logger
	cfg      Config
}

// NewController creates the controller. A nil resubmitter disables the
// dead-letter replay phase; everything else still runs.
func NewController(sc *store.Client, breakers *circuitbreaker.Registry, bus *events.Bus,
	resubmit Resubmitter, logger *logging.Logger, cfg Config) *Controller {
	cfg.ApplyDefaults()
	return &Controller{store: sc, breakers: breakers, bus: bus, resubmit: resubmit,
		logger: logger, cfg: cfg}
}

// Scan runs one pass for a scope and returns every finding. Disabled
// controllers scan nothing.
func (c *Controller) Scan(ctx context.Context, scope store.Scope) ([]Finding, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	var findings []Finding

	agentFindings, err := c.scanAgents(ctx, scope)
	if err != nil {
		return nil, err
	}
	findings = append(findings, agentFindings...)

	wfFindings, err := c.scanWorkflows(ctx, scope)
	if err != nil {
		return nil, err
	}
	findings = append(findings, wfFindings...)

	findings = append(findings, c.scanBreakers(ctx, scope)...)

	dlqFindings, err := c.scanDLQ(ctx, scope)
	if err != nil {
		return nil, err
	}
	findings = append(findings, dlqFindings...)

	for _, f := range findings {
		metrics.Remediations.WithLabelValues(f.Action).Inc()
		c.audit(ctx, scope, f)
	}
	if len(findings) > 0 {
		c.logger.Info(ctx, "self-healing scan applied remediations", map[string]interface{}{
			"tenant_id": scope.TenantID,
			"env":       scope.Env,
			"findings":  len(findings),
		})
	}
	return findings, nil
}

// scanAgents escalates by staleness: past the SLO trust decays, past twice
// the SLO the agent is suspended, past four times it is quarantined.
func (c *Controller) scanAgents(ctx context.Context, scope store.Scope) ([]Finding, error) {
	agents, err := c.store.ListAgents(ctx, scope, 1000)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var findings []Finding
	for _, agent := range agents {
		if agent.Status == store.AgentQuarantined || agent.Status == store.AgentDeprecated {
			continue
		}
		if agent.LastSeenAt == nil {
			continue
		}
		seen, ok := store.ParseTS(*agent.LastSeenAt)
		if !ok {
			continue
		}
		staleness := now.Sub(seen)
		if staleness < c.cfg.StalenessSLO {
			continue
		}

		switch {
		case staleness >= 4*c.cfg.StalenessSLO:
			if err := c.quarantineAgent(ctx, scope, agent, staleness); err != nil {
				c.logger.Error(ctx, "quarantine failed", map[string]interface{}{
					"agent_id": agent.AgentID, "error": err.Error(),
				})
				continue
			}
			findings = append(findings, Finding{
				Kind: "stale_agent", ResourceID: agent.AgentID, Action: ActionQuarantine,
				Detail: "no telemetry for " + staleness.Truncate(time.Minute).String(),
			})

		case staleness >= 2*c.cfg.StalenessSLO:
			if agent.Status == store.AgentSuspended {
				continue
			}
			if err := c.store.UpdateAgentStatus(ctx, scope, agent.AgentID,
				store.AgentSuspended, agent.UpdatedAt); err != nil {
				continue
			}
			c.bus.EmitScoped(events.TypeAgentSuspended, "selfheal", agent.AgentID,
				scope.TenantID, scope.Env, "", map[string]interface{}{"staleness": staleness.String()})
			findings = append(findings, Finding{
				Kind: "stale_agent", ResourceID: agent.AgentID, Action: ActionSuspend,
				Detail: "no telemetry for " + staleness.Truncate(time.Minute).String(),
			})

		default:
			decayed := agent.TrustLevel * c.cfg.DecayRate
			if decayed < c.cfg.FloorTrust {
				decayed = c.cfg.FloorTrust
			}
			if decayed == agent.TrustLevel {
				continue
			}
			if err := c.store.UpdateAgentTrust(ctx, scope, agent.AgentID, decayed); err != nil {
				continue
			}
			findings = append(findings, Finding{
				Kind: "stale_agent", ResourceID: agent.AgentID, Action: ActionTrustDecay,
				Detail: "trust decayed for inactivity",
			})
		}
	}
	return findings, nil
}

func (c *Controller) quarantineAgent(ctx context.Context, scope store.Scope,
	agent store.Agent, staleness time.Duration) error {
	reason := "self-healing: no telemetry for " + staleness.Truncate(time.Minute).String()
	if err := c.store.OpenQuarantine(ctx, &store.QuarantineEntry{
		TenantID:     scope.TenantID,
		Env:          scope.Env,
		ResourceID:   agent.AgentID,
		ResourceType: "agent",
		Reason:       reason,
	}); err != nil {
		return err
	}
	if err := c.store.UpdateAgentStatus(ctx, scope, agent.AgentID,
		store.AgentQuarantined, agent.UpdatedAt); err != nil {
		return err
	}
	c.bus.EmitScoped(events.TypeQuarantineOpened, "selfheal", agent.AgentID,
		scope.TenantID, scope.Env, "", map[string]interface{}{"reason": reason})
	return nil
}

// scanWorkflows opens a DLQ ticket for workflows stuck in running beyond
// the timeout.
func (c *Controller) scanWorkflows(ctx context.Context, scope store.Scope) ([]Finding, error) {
	workflows, err := c.store.ListWorkflows(ctx, scope, 1000)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var findings []Finding
	for _, wf := range workflows {
		if wf.Status != "running" || wf.LastRunAt == nil {
			continue
		}
		runAt, ok := store.ParseTS(*wf.LastRunAt)
		if !ok || now.Sub(runAt) < c.cfg.StuckTimeout {
			continue
		}

		detail := "workflow stuck in running since " + *wf.LastRunAt
		payload, _ := json.Marshal(map[string]string{
			"workflow_id": wf.WorkflowID,
			"source":      wf.Source,
			"stuck_since": *wf.LastRunAt,
		})
		if err := c.store.PushDLQ(ctx, &store.DLQEntry{
			TenantID:      scope.TenantID,
			Env:           scope.Env,
			Source:        wf.Source,
			Payload:       payload,
			Error:         detail,
			CorrelationID: "selfheal-" + wf.WorkflowID,
			Attempts:      1,
		}); err != nil {
			continue
		}
		findings = append(findings, Finding{
			Kind: "stuck_workflow", ResourceID: wf.WorkflowID,
			Action: ActionDLQTicket, Detail: detail,
		})
	}
	return findings, nil
}

// scanDLQ resubmits eligible dead letters through the ingestion pipeline.
// A successful replay clears the entry; a failed one bumps the attempt
// counter until the entry exhausts its resubmission allowance and stays a
// ticket for an operator.
func (c *Controller) scanDLQ(ctx context.Context, scope store.Scope) ([]Finding, error) {
	if c.resubmit == nil {
		return nil, nil
	}
	entries, err := c.store.ListDLQ(ctx, scope, 100)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, entry := range eligibleForResubmit(entries, c.cfg.MaxResubmits) {
		if err := c.resubmit.Resubmit(ctx, scope, entry.Source, entry.Payload, entry.CorrelationID); err != nil {
			if berr := c.store.BumpDLQAttempt(ctx, scope, entry.EntryID, entry.Attempts+1); berr != nil {
				c.logger.Warn(ctx, "dlq attempt update failed", map[string]interface{}{
					"entry_id": entry.EntryID, "error": berr.Error(),
				})
			}
			continue
		}
		if derr := c.store.DeleteDLQEntry(ctx, scope, entry.EntryID); derr != nil {
			c.logger.Warn(ctx, "dlq delete after resubmit failed", map[string]interface{}{
				"entry_id": entry.EntryID, "error": derr.Error(),
			})
		}
		findings = append(findings, Finding{
			Kind: "dead_letter", ResourceID: entry.EntryID, Action: ActionResubmit,
			Detail: "resubmitted " + entry.Source + " envelope after " + entry.Error,
		})
	}
	return findings, nil
}

// eligibleForResubmit filters out envelopes that already exhausted their
// resubmission allowance and self-healing's own tickets, which carry no
// replayable webhook body.
func eligibleForResubmit(entries []store.DLQEntry, maxAttempts int) []store.DLQEntry {
	var out []store.DLQEntry
	for _, e := range entries {
		if e.Attempts > maxAttempts {
			continue
		}
		if strings.HasPrefix(e.CorrelationID, "selfheal-") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// scanBreakers flags breakers open beyond the expected recovery window.
func (c *Controller) scanBreakers(ctx context.Context, scope store.Scope) []Finding {
	var findings []Finding
	for _, target := range c.breakers.OpenTargets(c.cfg.BreakerMaxAge) {
		c.bus.EmitScoped(events.TypeBreakerOpened, "selfheal", target,
			scope.TenantID, scope.Env, "", map[string]interface{}{
				"open_longer_than": c.cfg.BreakerMaxAge.String(),
			})
		findings = append(findings, Finding{
			Kind: "stuck_breaker", ResourceID: target, Action: ActionDLQTicket,
			Detail: "breaker open beyond recovery window",
		})
	}
	return findings
}

func (c *Controller) audit(ctx context.Context, scope store.Scope, f Finding) {
	detail, _ := json.Marshal(f)
	row := &store.AuditLogRow{
		TenantID:  scope.TenantID,
		Env:       scope.Env,
		EventType: "selfheal",
		TargetID:  f.ResourceID,
		Action:    f.Action,
		Detail:    detail,
	}
	if err := c.store.InsertAuditLog(ctx, row); err != nil {
		c.logger.Warn(ctx, "self-healing audit write failed", map[string]interface{}{
			"action": f.Action,
			"error":  err.Error(),
		})
	}
	c.bus.EmitScoped(events.TypeRemediationApplied, "selfheal", f.ResourceID,
		scope.TenantID, scope.Env, "", map[string]interface{}{
			"kind":   f.Kind,
			"action": f.Action,
			"detail": f.Detail,
		})
}

// Release ends a quarantine and restores the agent to active with reduced
// trust (probation). Quarantines end only this way.
func (c *Controller) Release(ctx context.Context, scope store.Scope, resourceID string) error {
	if err := c.store.ReleaseQuarantine(ctx, scope, resourceID); err != nil {
		return err
	}
	agent, err := c.store.GetAgent(ctx, scope, resourceID)
	if err == nil && agent != nil {
		if err := c.store.UpdateAgentStatus(ctx, scope, resourceID,
			store.AgentActive, agent.UpdatedAt); err != nil {
			return err
		}
		probation := agent.TrustLevel * 0.5
		if probation < c.cfg.FloorTrust {
			probation = c.cfg.FloorTrust
		}
		if err := c.store.UpdateAgentTrust(ctx, scope, resourceID, probation); err != nil {
			return err
		}
	}
	c.bus.EmitScoped(events.TypeQuarantineReleased, "selfheal", resourceID,
		scope.TenantID, scope.Env, "", nil)
	return nil
}
