package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/trustplane/backend/internal/logging"
)

// SagaConfig tunes compensation execution.
type SagaConfig struct {
	Timeout    time.Duration // max time per compensation (default 5s)
	MaxRetries int           // retries for a failed compensation (default 3)
	RetryDelay time.Duration // delay between retries (default 500ms)
}

func (c *SagaConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// SagaStep is one registered step: the task that ran and how to undo it.
type SagaStep struct {
	TaskID       string
	Description  string
	Compensate   func(context.Context) error
	RegisteredAt time.Time
}

// CompensationResult captures the outcome of one executed compensation.
type CompensationResult struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

// SagaRegistry holds per-correlation step stacks. Steps append in program
// order and compensate in strict reverse order when a pipeline fails; a
// successful pipeline clears its stack (commit).
type SagaRegistry struct {
	mu     sync.Mutex
	stacks map[string][]SagaStep
	cfg    SagaConfig
	logger *logging.Logger
}

// NewSagaRegistry creates the registry.
func NewSagaRegistry(cfg SagaConfig, logger *logging.Logger) *SagaRegistry {
	cfg.applyDefaults()
	return &SagaRegistry{
		stacks: make(map[string][]SagaStep),
		cfg:    cfg,
		logger: logger,
	}
}

// Register appends a compensating step for a correlation id.
func (sr *SagaRegistry) Register(correlationID, taskID, description string, compensate func(context.Context) error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stacks[correlationID] = append(sr.stacks[correlationID], SagaStep{
		TaskID:       taskID,
		Description:  description,
		Compensate:   compensate,
		RegisteredAt: time.Now(),
	})
}

// Depth reports how many steps are registered for a correlation id.
func (sr *SagaRegistry) Depth(correlationID string) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.stacks[correlationID])
}

// Commit drops the stack for a correlation id after a successful pipeline.
func (sr *SagaRegistry) Commit(correlationID string) {
	sr.mu.Lock()
	delete(sr.stacks, correlationID)
	sr.mu.Unlock()
}

// Rollback executes the registered compensations in reverse registration
// order and returns every result. The stack is consumed either way; the
// caller dead-letters the failures.
func (sr *SagaRegistry) Rollback(ctx context.Context, correlationID string) []CompensationResult {
	sr.mu.Lock()
	stack := sr.stacks[correlationID]
	delete(sr.stacks, correlationID)
	sr.mu.Unlock()

	if len(stack) == 0 {
		return nil
	}

	sr.logger.Info(ctx, "executing saga rollback", map[string]interface{}{
		"correlation_id": correlationID,
		"steps":          len(stack),
	})

	results := make([]CompensationResult, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		results = append(results, sr.runStep(ctx, stack[i]))
	}
	return results
}

func (sr *SagaRegistry) runStep(ctx context.Context, step SagaStep) CompensationResult {
	result := CompensationResult{TaskID: step.TaskID, Description: step.Description}

	var lastErr error
	for attempt := 0; attempt <= sr.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// A cancelled rollback stops retrying; remaining attempts would
			// only run compensations against a dead context.
			if ctx.Err() != nil {
				result.Retries = attempt - 1
				result.Error = ctx.Err().Error()
				return result
			}
			select {
			case <-time.After(sr.cfg.RetryDelay):
			case <-ctx.Done():
				result.Retries = attempt - 1
				result.Error = ctx.Err().Error()
				return result
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, sr.cfg.Timeout)
		err := step.Compensate(stepCtx)
		cancel()
		if err == nil {
			result.Success = true
			result.Retries = attempt
			return result
		}
		lastErr = err
	}

	result.Success = false
	result.Retries = sr.cfg.MaxRetries
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}
