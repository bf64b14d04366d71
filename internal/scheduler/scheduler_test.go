package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/logging"
)

func newTestScheduler() *Scheduler {
	return New(logging.NewWithWriter("sched-test", io.Discard))
}

func TestRegisterAndEntries(t *testing.T) {
	s := newTestScheduler()
	assert.False(t, s.Ready())

	require.NoError(t, s.Register("rollup-hourly", "5 * * * *", time.Minute, func(context.Context) error { return nil }))
	require.NoError(t, s.Register("anomaly-scan", "*/5 * * * *", time.Minute, func(context.Context) error { return nil }))

	assert.Equal(t, []string{"rollup-hourly", "anomaly-scan"}, s.Entries())
	assert.True(t, s.Ready())
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := newTestScheduler()
	err := s.Register("broken", "not a cron spec", time.Minute, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Empty(t, s.Entries())
}

func TestJobRunsEverySecond(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "@every 1s", time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := newTestScheduler()
	var started atomic.Int32
	block := make(chan struct{})

	require.NoError(t, s.Register("slow", "@every 1s", time.Minute, func(ctx context.Context) error {
		started.Add(1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))

	s.Start()

	// Let the first run start and hold it across several scheduling ticks.
	deadline := time.After(3 * time.Second)
	for started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(50 * time.Millisecond):
		}
	}
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load(), "overlapping ticks must be skipped")

	close(block)
	s.Stop()
}

func TestJobDeadlineCancelsContext(t *testing.T) {
	s := newTestScheduler()
	done := make(chan error, 1)

	require.NoError(t, s.Register("deadline", "@every 1s", 100*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}))

	s.Start()
	defer s.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("deadline never fired")
	}
}
