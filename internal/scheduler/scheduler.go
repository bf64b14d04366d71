// Package scheduler consolidates every periodic job onto one cron runner
// with named entries. Each job carries a deadline, a dedupe guard against
// overlapping runs, and a per-job metric.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
)

// JobFunc is one scheduled job body.
type JobFunc func(ctx context.Context) error

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu      sync.Mutex
	running map[string]bool
	entries []string
}

// New creates a stopped scheduler.
func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Register adds a named job on a cron spec with a per-run deadline. A run
// that would overlap a still-active previous run of the same job is skipped
// and counted.
func (s *Scheduler) Register(name, spec string, deadline time.Duration, job JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		if s.running[name] {
			s.mu.Unlock()
			metrics.JobRuns.WithLabelValues(name, "skipped_overlap").Inc()
			s.logger.Warn(context.Background(), "job skipped, previous run still active",
				map[string]interface{}{"job": name})
			return
		}
		s.running[name] = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()

		start := time.Now()
		err := job(ctx)
		metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.JobRuns.WithLabelValues(name, "error").Inc()
			s.logger.Error(ctx, "scheduled job failed", map[string]interface{}{
				"job":   name,
				"error": err.Error(),
			})
			return
		}
		metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = append(s.entries, name)
	s.mu.Unlock()
	return nil
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(context.Background(), "scheduler started", map[string]interface{}{
		"jobs": s.Entries(),
	})
}

// Stop halts dispatching and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries lists the registered job names.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// Ready reports whether the scheduler has started and has jobs.
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) > 0
}
