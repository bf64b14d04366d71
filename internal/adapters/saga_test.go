package adapters

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/logging"
)

func newTestSagas() *SagaRegistry {
	return NewSagaRegistry(SagaConfig{
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, logging.NewWithWriter("saga-test", io.Discard))
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	sr := newTestSagas()
	var order []string
	record := func(id string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, id)
			return nil
		}
	}

	sr.Register("corr-1", "step-a", "create record", record("a"))
	sr.Register("corr-1", "step-b", "notify downstream", record("b"))
	sr.Register("corr-1", "step-c", "update index", record("c"))
	require.Equal(t, 3, sr.Depth("corr-1"))

	results := sr.Rollback(context.Background(), "corr-1")
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c", "b", "a"}, order)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	// The stack is consumed.
	assert.Equal(t, 0, sr.Depth("corr-1"))
	assert.Nil(t, sr.Rollback(context.Background(), "corr-1"))
}

func TestCommitDropsStack(t *testing.T) {
	sr := newTestSagas()
	called := false
	sr.Register("corr-2", "step", "noop", func(context.Context) error {
		called = true
		return nil
	})

	sr.Commit("corr-2")
	assert.Equal(t, 0, sr.Depth("corr-2"))
	assert.Nil(t, sr.Rollback(context.Background(), "corr-2"))
	assert.False(t, called)
}

func TestFailedCompensationIsRetriedThenReported(t *testing.T) {
	sr := newTestSagas()
	attempts := 0
	sr.Register("corr-3", "flaky", "needs two tries", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	results := sr.Rollback(context.Background(), "corr-3")
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Retries)
}

func TestPermanentCompensationFailure(t *testing.T) {
	sr := newTestSagas()
	sr.Register("corr-4", "broken", "never succeeds", func(context.Context) error {
		return errors.New("downstream gone")
	})
	sr.Register("corr-4", "fine", "works", func(context.Context) error { return nil })

	results := sr.Rollback(context.Background(), "corr-4")
	require.Len(t, results, 2)

	// Reverse order: the working step first, then the broken one; a failed
	// step does not stop the remaining compensations.
	assert.Equal(t, "fine", results[0].TaskID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "broken", results[1].TaskID)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "downstream gone")
}

func TestCancelledRollbackStopsRetrying(t *testing.T) {
	sr := NewSagaRegistry(SagaConfig{
		Timeout:    time.Second,
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
	}, logging.NewWithWriter("saga-test", io.Discard))

	calls := 0
	sr.Register("corr-5", "stubborn", "always fails", func(context.Context) error {
		calls++
		return errors.New("still failing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := sr.Rollback(ctx, "corr-5")
	require.Len(t, results, 1)

	// One attempt at most once the context is dead; the remaining retries
	// are abandoned and the cancellation is what gets reported.
	assert.Equal(t, 1, calls)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, context.Canceled.Error())
	assert.Equal(t, 0, results[0].Retries)
}

func TestStacksAreIsolatedPerCorrelation(t *testing.T) {
	sr := newTestSagas()
	sr.Register("corr-x", "x1", "", func(context.Context) error { return nil })
	sr.Register("corr-y", "y1", "", func(context.Context) error { return nil })

	sr.Rollback(context.Background(), "corr-x")
	assert.Equal(t, 1, sr.Depth("corr-y"))
}
