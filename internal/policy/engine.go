// Package policy is the synchronous enforcement engine. It evaluates a
// fixed, deterministic rule order over each request and composes a single
// structured decision; detected violations are data, never errors.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

// Decision tags.
const (
	DecisionAllow             = "allow"
	DecisionAllowWithMods     = "allow_with_modifications"
	DecisionDeny              = "deny"
	PIIRedactionToken         = "[REDACTED-PII]"
	DefaultRateLimitPerMinute = 60
)

// Request is the material the engine evaluates.
type Request struct {
	RequestID string                 `json:"request_id"`
	Prompt    string                 `json:"prompt"`
	Model     string                 `json:"model,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RequestContext carries the caller's identity and scope.
type RequestContext struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Env      string `json:"env,omitempty"`
}

// Violation is one fired rule.
type Violation struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Modifications holds the rewritten request fields, when any rule modified
// the request.
type Modifications struct {
	Prompt *string `json:"prompt,omitempty"`
}

// Decision is the engine's structured output.
type Decision struct {
	RequestID         string        `json:"request_id"`
	Decision          string        `json:"decision"`
	PolicyViolations  []Violation   `json:"policy_violations"`
	Modifications     Modifications `json:"modifications"`
	Warnings          []Violation   `json:"warnings"`
	PoliciesEvaluated []string      `json:"policies_evaluated"`
	ExecutionTimeMs   float64       `json:"execution_time_ms"`
}

// Denied reports whether the request must be rejected.
func (d *Decision) Denied() bool { return d.Decision == DecisionDeny }

// EffectivePrompt returns the prompt after modifications.
func (d *Decision) EffectivePrompt(original string) string {
	if d.Modifications.Prompt != nil {
		return *d.Modifications.Prompt
	}
	return original
}

// Engine evaluates requests against the resolved rule set. Rate-limit
// buckets are per-process; each engine owns its own, per the bulkhead
// worker model.
type Engine struct {
	store  *store.Client
	logger *logging.Logger
	pii    *logging.Redactor

	defaults map[string]ruleConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int

	rulesMu    sync.RWMutex
	ruleCache  map[store.Scope]map[string]ruleConfig
	ruleLoaded map[store.Scope]time.Time
	ruleTTL    time.Duration
}

// NewEngine creates the engine. The store client may be nil, in which case
// only the built-in defaults apply.
func NewEngine(sc *store.Client, logger *logging.Logger) *Engine {
	return &Engine{
		store:      sc,
		logger:     logger,
		pii:        &logging.Redactor{Mode: logging.ModeMask, Token: PIIRedactionToken},
		defaults:   defaultRuleSet(),
		limiters:   make(map[string]*rate.Limiter),
		perMin:     DefaultRateLimitPerMinute,
		ruleCache:  make(map[store.Scope]map[string]ruleConfig),
		ruleLoaded: make(map[store.Scope]time.Time),
		ruleTTL:    time.Minute,
	}
}

// SetRateLimit overrides the per-user capacity (requests per minute).
func (e *Engine) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		e.mu.Lock()
		e.perMin = perMinute
		e.limiters = make(map[string]*rate.Limiter)
		e.mu.Unlock()
	}
}

// Evaluate runs the fixed rule order and composes the decision. A blocking
// rule that fires turns the decision into deny but evaluation continues so
// the decision carries every violation. Only engine bugs return an error.
func (e *Engine) Evaluate(ctx context.Context, req Request, rc RequestContext) (*Decision, error) {
	start := time.Now()
	rules := e.resolveRules(ctx, store.Scope{TenantID: rc.TenantID, Env: rc.Env})

	d := &Decision{
		RequestID:        req.RequestID,
		Decision:         DecisionAllow,
		PolicyViolations: []Violation{},
		Warnings:         []Violation{},
	}

	for _, ruleID := range evaluationOrder {
		cfg, ok := rules[ruleID]
		if !ok || !cfg.Enabled {
			continue
		}
		d.PoliciesEvaluated = append(d.PoliciesEvaluated, fmt.Sprintf("%s@v%d", ruleID, cfg.Version))

		v := e.evaluateRule(cfg, &req, rc, d)
		if v == nil {
			continue
		}
		if cfg.Enforcement == EnforcementBlocking {
			d.PolicyViolations = append(d.PolicyViolations, *v)
			d.Decision = DecisionDeny
		} else {
			d.Warnings = append(d.Warnings, *v)
		}
	}

	if d.Decision != DecisionDeny && d.Modifications.Prompt != nil {
		d.Decision = DecisionAllowWithMods
	}

	d.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	e.logger.Debug(ctx, "policy decision", map[string]interface{}{
		"request_id": req.RequestID,
		"decision":   d.Decision,
		"violations": len(d.PolicyViolations),
		"elapsed_ms": d.ExecutionTimeMs,
	})
	return d, nil
}

// evaluateRule runs one rule as a pure function of (rule, request, context);
// PII redaction additionally records its modification on the decision.
func (e *Engine) evaluateRule(cfg ruleConfig, req *Request, rc RequestContext, d *Decision) *Violation {
	switch cfg.ID {
	case RuleAuthentication:
		if strings.TrimSpace(rc.UserID) == "" {
			return &Violation{RuleID: RuleAuthentication, Severity: "high",
				Message: "request carries no authenticated user"}
		}

	case RuleRBAC:
		if req.Action == "" {
			return nil
		}
		if !roleAllows(rc.Role, req.Action) {
			return &Violation{RuleID: RuleRBAC, Severity: "high",
				Message: fmt.Sprintf("role %q does not permit action %q", rc.Role, req.Action)}
		}

	case RuleRateLimit:
		if !e.allowRate(rc.UserID, cfg.ID) {
			return &Violation{RuleID: RuleRateLimit, Severity: "medium",
				Message: fmt.Sprintf("user %s exceeded %d requests/minute", rc.UserID, e.perMin)}
		}

	case RulePromptInjection:
		if pat := matchInjection(req.Prompt); pat != "" {
			return &Violation{RuleID: RulePromptInjection, Severity: "critical",
				Message: "prompt matches injection pattern"}
		}

	case RuleContentSafety:
		if cat := matchContent(req.Prompt); cat != "" {
			return &Violation{RuleID: RuleContentSafety, Severity: "critical",
				Message: "prompt matches blocked content category: " + cat}
		}

	case RulePIIRedaction:
		scrubbed, hits := e.pii.Scrub(req.Prompt)
		if len(hits) > 0 {
			d.Modifications.Prompt = &scrubbed
			return &Violation{RuleID: RulePIIRedaction, Severity: "medium",
				Message: "prompt contained PII (" + strings.Join(hits, ", ") + "); redacted"}
		}
	}
	return nil
}

// roleAllows implements the wildcard RBAC check: a role is a CSV of
// permitted actions, "*" permits everything.
func roleAllows(role, action string) bool {
	for _, granted := range strings.Split(role, ",") {
		granted = strings.TrimSpace(granted)
		if granted == "*" || strings.EqualFold(granted, action) {
			return true
		}
	}
	return false
}

// allowRate consumes one token from the (user, policy) bucket.
func (e *Engine) allowRate(userID, policyID string) bool {
	key := userID + "|" + policyID
	e.mu.Lock()
	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(e.perMin)), e.perMin)
		e.limiters[key] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}

// resolveRules overlays the tenant's declarative rule rows on the built-in
// defaults, cached for a minute per scope. Store failures fall back to the
// defaults so policy evaluation never depends on store availability.
func (e *Engine) resolveRules(ctx context.Context, scope store.Scope) map[string]ruleConfig {
	if e.store == nil || scope.TenantID == "" || scope.Env == "" {
		return e.defaults
	}

	e.rulesMu.RLock()
	cached, ok := e.ruleCache[scope]
	loaded := e.ruleLoaded[scope]
	e.rulesMu.RUnlock()
	if ok && time.Since(loaded) < e.ruleTTL {
		return cached
	}

	rows, err := e.store.ListPolicyRules(ctx, scope)
	if err != nil {
		e.logger.Warn(ctx, "policy rule load failed, using defaults", map[string]interface{}{
			"tenant_id": scope.TenantID,
			"error":     err.Error(),
		})
		if ok {
			return cached
		}
		return e.defaults
	}

	resolved := overlayRules(e.defaults, rows)
	e.rulesMu.Lock()
	e.ruleCache[scope] = resolved
	e.ruleLoaded[scope] = time.Now()
	e.rulesMu.Unlock()
	return resolved
}

// Explain renders a human-readable account of a decision: the verdict, every
// evaluated policy, and the per-rule impact. Serves disclosure requirements
// for automated decisions.
func Explain(d *Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decision for request %s: %s\n", d.RequestID, d.Decision)
	fmt.Fprintf(&b, "Policies evaluated (%d): %s\n", len(d.PoliciesEvaluated), strings.Join(d.PoliciesEvaluated, ", "))
	if len(d.PolicyViolations) > 0 {
		b.WriteString("Blocking violations:\n")
		for _, v := range d.PolicyViolations {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", v.Severity, v.RuleID, v.Message)
		}
	}
	if len(d.Warnings) > 0 {
		b.WriteString("Non-blocking findings:\n")
		for _, v := range d.Warnings {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", v.Severity, v.RuleID, v.Message)
		}
	}
	if d.Modifications.Prompt != nil {
		b.WriteString("The request prompt was modified before execution.\n")
	}
	fmt.Fprintf(&b, "Evaluation took %.2f ms.\n", d.ExecutionTimeMs)
	return b.String()
}
