package circuitbreaker

import (
	"context"
	"math/rand"
	"time"

	"github.com/trustplane/backend/internal/faults"
)

// RetryConfig tunes the exponential backoff applied inside the breaker.
type RetryConfig struct {
	// MaxAttempts includes the first try. Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff delay. Default 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default 30s.
	MaxDelay time.Duration

	// Jitter randomizes each delay in [delay/2, delay). Default true via
	// NewRetryConfig; zero-value config disables it.
	Jitter bool
}

// DefaultRetryConfig returns the standard tuning: 3 attempts, 1s base,
// 30s cap, jitter on.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Retry runs fn with exponential backoff. Only errors classified retryable
// by the fault taxonomy (Transient, Timeout, External 5xx) are retried;
// everything else short-circuits immediately, as does ErrCircuitOpen.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg.applyDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if lastErr == ErrCircuitOpen || !faults.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter {
			wait = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return faults.Wrap(faults.KindTimeout, "retry_cancelled", "context cancelled during backoff", ctx.Err())
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

// ExecuteWithRetry runs fn behind the breaker with retry around each
// attempt. The breaker observes every attempt individually so repeated
// transient failures still trip it.
func ExecuteWithRetry(ctx context.Context, b *Breaker, cfg RetryConfig, fn func(context.Context) error) error {
	return Retry(ctx, cfg, func(ctx context.Context) error {
		return b.Execute(ctx, fn)
	})
}
