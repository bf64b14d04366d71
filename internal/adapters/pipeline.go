package adapters

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/backend/internal/circuitbreaker"
	"github.com/trustplane/backend/internal/correlation"
	"github.com/trustplane/backend/internal/events"
	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/idempotency"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/policy"
	"github.com/trustplane/backend/internal/secrets"
	"github.com/trustplane/backend/internal/store"
	"github.com/trustplane/backend/internal/telemetry"
)

// Pipeline states. Terminal states are recorded in the governance audit
// log; the canonical event row itself is append-only.
const (
	StateReceived      = "received"
	StateVerified      = "verified"
	StateDeduplicated  = "deduplicated"
	StatePolicyCleared = "policy_cleared"
	StateExecuting     = "executing"
	StateSucceeded     = "succeeded"
	StateFailed        = "failed"
	StateCompensating  = "compensating"
	StateCompensated   = "compensated"
)

// Per-stage budgets.
const (
	VerifyBudget  = 50 * time.Millisecond
	PolicyBudget  = 100 * time.Millisecond
	ExecuteBudget = 30 * time.Second
	StoreBudget   = 10 * time.Second
)

// ErrQuarantined marks an execution cancelled because the tenant or agent
// entered quarantine; it is terminal and triggers no compensation.
var ErrQuarantined = faults.New(faults.KindPolicyViolation, "quarantined",
	"resource is quarantined and accepts no new events")

// Task is what an adapter handler receives.
type Task struct {
	Source      string
	Scope       store.Scope
	WorkflowID  string
	ExecutionID string
	EventType   string
	AgentID     string
	Body        json.RawMessage
	Prompt      string
}

// Handler executes the source-specific work for a verified, policy-cleared
// webhook and returns the response payload.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// Inbound is the raw material handed to the pipeline by the HTTP layer.
type Inbound struct {
	Source         string
	Body           []byte
	Signature      string
	Timestamp      string
	IdempotencyKey string
	UserID         string
	Role           string
}

// Result is the pipeline outcome returned to the HTTP layer.
type Result struct {
	State    string          `json:"state"`
	EventID  string          `json:"event_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
	Decision string          `json:"decision,omitempty"`
}

// Runtime owns the uniform middleware pipeline shared by every webhook
// endpoint.
type Runtime struct {
	store       *store.Client
	secrets     *secrets.Bridge
	idempotency *idempotency.Service
	policy      *policy.Engine
	breakers    *circuitbreaker.Registry
	retry       circuitbreaker.RetryConfig
	sagas       *SagaRegistry
	writer      *telemetry.Writer
	bus         *events.Bus
	logger      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRuntime wires the pipeline.
func NewRuntime(sc *store.Client, bridge *secrets.Bridge, idem *idempotency.Service,
	engine *policy.Engine, breakers *circuitbreaker.Registry, sagas *SagaRegistry,
	writer *telemetry.Writer, bus *events.Bus, logger *logging.Logger) *Runtime {
	return &Runtime{
		store:       sc,
		secrets:     bridge,
		idempotency: idem,
		policy:      engine,
		breakers:    breakers,
		retry:       circuitbreaker.DefaultRetryConfig(),
		sagas:       sagas,
		writer:      writer,
		bus:         bus,
		logger:      logger,
		handlers:    make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a source adapter.
func (rt *Runtime) RegisterHandler(source string, h Handler) {
	rt.mu.Lock()
	rt.handlers[source] = h
	rt.mu.Unlock()
}

// Sagas exposes the registry so handlers can register compensations.
func (rt *Runtime) Sagas() *SagaRegistry { return rt.sagas }

func (rt *Runtime) handler(source string) Handler {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if h, ok := rt.handlers[source]; ok {
		return h
	}
	// Sources without a registered handler get the default acknowledger.
	return func(ctx context.Context, task *Task) (json.RawMessage, error) {
		ack, _ := json.Marshal(map[string]string{
			"status":       "accepted",
			"execution_id": task.ExecutionID,
		})
		return ack, nil
	}
}

// Process runs the full pipeline for one inbound webhook.
func (rt *Runtime) Process(ctx context.Context, scope store.Scope, in *Inbound) (*Result, error) {
	// 1. Signature verification. No side effect on failure.
	secretKey := strings.ToUpper(in.Source) + "_WEBHOOK_SECRET"
	verifyCtx, cancel := context.WithTimeout(ctx, VerifyBudget)
	secret, err := rt.secrets.Get(verifyCtx, secretKey)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := VerifySignature(secret, in.Signature, in.Body); err != nil {
		metrics.WebhooksRejected.WithLabelValues(in.Source, "signature").Inc()
		return nil, err
	}

	// 2. Timestamp freshness.
	if err := VerifyTimestamp(in.Timestamp, time.Now()); err != nil {
		metrics.WebhooksRejected.WithLabelValues(in.Source, "timestamp").Inc()
		return nil, err
	}

	// Envelope and normalization.
	if err := ValidateEnvelope(in.Body); err != nil {
		metrics.WebhooksRejected.WithLabelValues(in.Source, "envelope").Inc()
		return nil, err
	}
	norm := Normalize(in.Source, in.Body)

	idemKey := in.IdempotencyKey
	if idemKey == "" {
		idemKey = idempotency.DeriveKey(in.Source, norm.WorkflowID, norm.ExecutionID, in.Body)
	}

	return rt.run(ctx, scope, in, norm, idemKey)
}

// Resubmit replays a dead-lettered envelope through the pipeline tail.
// Signature and freshness were proven at first ingestion; idempotency still
// dedupes against any work that landed before the original failure.
func (rt *Runtime) Resubmit(ctx context.Context, scope store.Scope, source string,
	payload json.RawMessage, correlationID string) error {
	if correlationID != "" {
		ctx = correlation.WithID(ctx, correlationID)
	} else {
		ctx, _ = correlation.Ensure(ctx)
	}

	// A malformed dead letter stays dead.
	if err := ValidateEnvelope(payload); err != nil {
		return err
	}
	norm := Normalize(source, payload)

	in := &Inbound{
		Source: source,
		Body:   payload,
		UserID: "self-healing",
		Role:   "*",
	}
	_, err := rt.run(ctx, scope, in,
		norm, idempotency.DeriveKey(source, norm.WorkflowID, norm.ExecutionID, payload))
	return err
}

// run is the pipeline tail shared by first delivery and resubmission:
// quarantine gate, idempotency, policy, persistence, execution, and the
// success and failure arms.
func (rt *Runtime) run(ctx context.Context, scope store.Scope, in *Inbound,
	norm Normalized, idemKey string) (*Result, error) {
	corrID := correlation.FromContext(ctx)

	// Quarantine gate: a quarantined agent or tenant accepts no new events.
	if err := rt.checkQuarantine(ctx, scope, norm.AgentID); err != nil {
		metrics.WebhooksRejected.WithLabelValues(in.Source, "quarantine").Inc()
		return nil, err
	}

	// 3. Idempotency check: a hit bypasses all side effects.
	if rec, err := rt.idempotency.Check(ctx, scope, idemKey); err != nil {
		return nil, err
	} else if rec != nil {
		metrics.IdempotencyHits.Inc()
		var stored Result
		if json.Unmarshal(rec.Result, &stored) == nil && stored.EventID != "" {
			stored.Replayed = true
			return &stored, nil
		}
		return &Result{State: StateSucceeded, Payload: rec.Result, Replayed: true}, nil
	}

	// 4. Policy evaluation.
	task := &Task{
		Source:      in.Source,
		Scope:       scope,
		WorkflowID:  norm.WorkflowID,
		ExecutionID: norm.ExecutionID,
		EventType:   norm.EventType,
		AgentID:     norm.AgentID,
		Body:        in.Body,
		Prompt:      extractPrompt(in.Body),
	}
	policyCtx, cancel := context.WithTimeout(ctx, PolicyBudget)
	decision, err := rt.policy.Evaluate(policyCtx, policy.Request{
		RequestID: norm.ExecutionID,
		Prompt:    task.Prompt,
		Action:    "webhook:" + in.Source,
		Metadata:  map[string]interface{}{"workflow_id": norm.WorkflowID},
	}, policy.RequestContext{
		UserID:   in.UserID,
		Role:     in.Role,
		TenantID: scope.TenantID,
		Env:      scope.Env,
	})
	cancel()
	if err != nil {
		return nil, err
	}
	metrics.PolicyDecisions.WithLabelValues(decision.Decision).Inc()
	metrics.PolicyLatency.Observe(decision.ExecutionTimeMs / 1000.0)
	if decision.Denied() {
		metrics.WebhooksRejected.WithLabelValues(in.Source, "policy").Inc()
		rt.audit(ctx, scope, "policy.denied", norm.ExecutionID, corrID, decision)
		return nil, faults.New(faults.KindPolicyViolation, "policy_denied",
			"request denied by policy: "+firstViolation(decision))
	}
	task.Prompt = decision.EffectivePrompt(task.Prompt)

	// Persist the canonical event. A Conflict means a concurrent duplicate
	// won the unique index; read the winner and treat this as a replay.
	event := rt.canonicalEvent(scope, in, norm, idemKey, corrID)
	storeCtx, cancel := context.WithTimeout(ctx, StoreBudget)
	err = rt.store.InsertEvent(storeCtx, event)
	cancel()
	if err != nil {
		if faults.KindOf(err) == faults.KindConflict {
			if rec, cerr := rt.idempotency.Check(ctx, scope, idemKey); cerr == nil && rec != nil {
				var stored Result
				if json.Unmarshal(rec.Result, &stored) == nil {
					stored.Replayed = true
					return &stored, nil
				}
			}
			winner, gerr := rt.store.GetEventByIdempotencyKey(ctx, scope, idemKey)
			if gerr == nil && winner != nil {
				return &Result{State: StateSucceeded, EventID: winner.EventID, Replayed: true}, nil
			}
		}
		return nil, err
	}

	// 5. Execute behind the breaker with retry.
	var payload json.RawMessage
	execCtx, cancel := context.WithTimeout(ctx, ExecuteBudget)
	execErr := circuitbreaker.ExecuteWithRetry(execCtx, rt.breakers.Get(in.Source), rt.retry,
		func(ctx context.Context) error {
			var herr error
			payload, herr = rt.handler(in.Source)(ctx, task)
			return herr
		})
	cancel()

	if execErr != nil {
		// Quarantine entered mid-flight cancels without compensation.
		if qerr := rt.checkQuarantine(ctx, scope, norm.AgentID); qerr != nil {
			rt.recordFailure(ctx, scope, event, task, ErrQuarantined, false)
			return nil, ErrQuarantined
		}
		rt.recordFailure(ctx, scope, event, task, execErr, true)
		return nil, execErr
	}

	// 6. Record success: idempotency result, telemetry, workflow freshness.
	result := &Result{
		State:    StateSucceeded,
		EventID:  event.EventID,
		Payload:  payload,
		Decision: decision.Decision,
	}
	if raw, err := json.Marshal(result); err == nil {
		if serr := rt.idempotency.Store(ctx, scope, idemKey, raw, idempotency.DefaultTTL); serr != nil {
			rt.logger.Warn(ctx, "idempotency store failed", map[string]interface{}{
				"key":   idemKey,
				"error": serr.Error(),
			})
		}
	}
	rt.sagas.Commit(corrID)
	rt.emitTelemetry(scope, task, corrID, decision, true)
	rt.touchRegistry(ctx, scope, task)
	metrics.WebhooksIngested.WithLabelValues(in.Source).Inc()

	return result, nil
}

// recordFailure runs the failure arm: compensate registered saga steps in
// reverse (unless quarantined), dead-letter the envelope, emit *_failed
// telemetry, and persist the terminal state on the event.
func (rt *Runtime) recordFailure(ctx context.Context, scope store.Scope, event *store.Event,
	task *Task, cause error, compensate bool) {
	corrID := correlation.FromContext(ctx)

	state := StateFailed
	if compensate && rt.sagas.Depth(corrID) > 0 {
		results := rt.sagas.Rollback(ctx, corrID)
		state = StateCompensated
		for _, res := range results {
			if res.Success {
				continue
			}
			rt.pushDLQ(ctx, scope, task.Source, event.Data, corrID,
				"compensation failed for "+res.TaskID+": "+res.Error)
		}
	} else if !compensate {
		rt.sagas.Commit(corrID) // discard without running
	}

	rt.pushDLQ(ctx, scope, task.Source, event.Data, corrID, cause.Error())
	rt.emitTelemetry(scope, task, corrID, nil, false)

	// The event row is append-only; the terminal state and cause live in
	// the audit log below.
	rt.logger.Error(ctx, "webhook pipeline failed", map[string]interface{}{
		"source":   task.Source,
		"event_id": event.EventID,
		"state":    state,
		"error":    cause.Error(),
	})
	rt.audit(ctx, scope, "pipeline.failed", event.EventID, corrID, map[string]string{
		"state": state,
		"error": cause.Error(),
	})
}

func (rt *Runtime) pushDLQ(ctx context.Context, scope store.Scope, source string,
	payload json.RawMessage, corrID, reason string) {
	entry := &store.DLQEntry{
		TenantID:      scope.TenantID,
		Env:           scope.Env,
		Source:        source,
		Payload:       payload,
		Error:         reason,
		CorrelationID: corrID,
		Attempts:      1,
	}
	if err := rt.store.PushDLQ(ctx, entry); err != nil {
		rt.logger.Error(ctx, "dlq push failed", map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		})
		return
	}
	metrics.DLQDepth.Inc()
	rt.bus.EmitScoped(events.TypeWebhookDeadLettered, "adapter-runtime", source,
		scope.TenantID, scope.Env, corrID, map[string]interface{}{"reason": reason})
}

func (rt *Runtime) emitTelemetry(scope store.Scope, task *Task, corrID string,
	decision *policy.Decision, success bool) {
	rec := store.TelemetryRecord{
		TenantID:      scope.TenantID,
		Env:           scope.Env,
		AgentID:       task.AgentID,
		Operation:     task.EventType + suffixFor(success),
		CorrelationID: corrID,
	}
	if success {
		rec.SuccessCount = 1
	} else {
		rec.Errors = 1
	}
	if decision != nil && decision.Decision != policy.DecisionAllow {
		rec.PolicyViolations = len(decision.Warnings) + len(decision.PolicyViolations)
	}
	rt.writer.Enqueue(rec)
}

func suffixFor(success bool) string {
	if success {
		return "_executed"
	}
	return "_failed"
}

func (rt *Runtime) touchRegistry(ctx context.Context, scope store.Scope, task *Task) {
	if task.WorkflowID != "" {
		if err := rt.store.RecordWorkflowRun(ctx, scope, task.WorkflowID, time.Now()); err != nil &&
			faults.KindOf(err) != faults.KindNotFound {
			rt.logger.Warn(ctx, "workflow run update failed", map[string]interface{}{
				"workflow_id": task.WorkflowID,
				"error":       err.Error(),
			})
		}
	}
	if task.AgentID != "" {
		if err := rt.store.TouchAgentSeen(ctx, scope, task.AgentID); err != nil {
			rt.logger.Warn(ctx, "agent last-seen update failed", map[string]interface{}{
				"agent_id": task.AgentID,
				"error":    err.Error(),
			})
		}
	}
}

// checkQuarantine rejects work for a quarantined agent or tenant.
func (rt *Runtime) checkQuarantine(ctx context.Context, scope store.Scope, agentID string) error {
	if agentID != "" {
		agent, err := rt.store.GetAgent(ctx, scope, agentID)
		if err == nil && agent != nil && agent.Status == store.AgentQuarantined {
			return ErrQuarantined
		}
		q, err := rt.store.GetActiveQuarantine(ctx, scope, agentID)
		if err == nil && q != nil {
			return ErrQuarantined
		}
	}
	q, err := rt.store.GetActiveQuarantine(ctx, scope, scope.TenantID)
	if err == nil && q != nil {
		return ErrQuarantined
	}
	return nil
}

func (rt *Runtime) canonicalEvent(scope store.Scope, in *Inbound, norm Normalized,
	idemKey, corrID string) *store.Event {
	return &store.Event{
		EventID:        uuid.NewString(),
		TenantID:       scope.TenantID,
		Env:            scope.Env,
		WorkflowID:     norm.WorkflowID,
		EventType:      norm.EventType,
		CorrelationID:  corrID,
		IdempotencyKey: idemKey,
		Source: store.EventSource{
			Adapter: in.Source,
			AgentID: norm.AgentID,
		},
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
		Data:      json.RawMessage(in.Body),
		Metadata: store.EventMetadata{
			TenantID: scope.TenantID,
			UserID:   in.UserID,
		},
		Security: store.EventSecurity{
			Signature:          in.Signature,
			SignatureAlgorithm: "hmac-sha256",
		},
	}
}

func (rt *Runtime) audit(ctx context.Context, scope store.Scope, action, targetID, corrID string, detail interface{}) {
	raw, _ := json.Marshal(detail)
	row := &store.AuditLogRow{
		TenantID:      scope.TenantID,
		Env:           scope.Env,
		EventType:     "adapter",
		TargetID:      targetID,
		Action:        action,
		Detail:        raw,
		CorrelationID: corrID,
	}
	if err := rt.store.InsertAuditLog(ctx, row); err != nil {
		rt.logger.Warn(ctx, "audit write failed", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
}

// extractPrompt pulls the prompt field the policy engine inspects; absent a
// prompt, the raw body text is evaluated.
func extractPrompt(body []byte) string {
	var fields struct {
		Prompt string `json:"prompt"`
		Data   struct {
			Prompt string `json:"prompt"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &fields) == nil {
		if fields.Prompt != "" {
			return fields.Prompt
		}
		if fields.Data.Prompt != "" {
			return fields.Data.Prompt
		}
	}
	return string(body)
}

func firstViolation(d *policy.Decision) string {
	if len(d.PolicyViolations) == 0 {
		return "blocking rule fired"
	}
	return d.PolicyViolations[0].RuleID
}
