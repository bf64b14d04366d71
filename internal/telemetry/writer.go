// Package telemetry buffers trace events and metric samples and flushes
// them to the context store in batches, then aggregates them into hourly
// and daily rollups.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/store"
)

const (
	// BufferSize triggers a flush when reached.
	BufferSize = 100

	// FlushInterval triggers a flush even when the buffer is not full.
	FlushInterval = 10 * time.Second

	// MaxFlushFailures before a batch is dropped to prevent OOM.
	MaxFlushFailures = 5
)

// Sink receives flushed telemetry batches. *store.Client is the production
// sink.
type Sink interface {
	InsertTelemetry(ctx context.Context, records []store.TelemetryRecord) error
}

// Writer is the buffered batch writer. Producers enqueue without blocking;
// a single flusher goroutine owns the drain. On flush failure the batch is
// re-enqueued at the head with a retry counter, and after MaxFlushFailures
// consecutive failures it is logged as an error and dropped.
type Writer struct {
	sink   Sink
	logger *logging.Logger

	mu       sync.Mutex
	buf      []store.TelemetryRecord
	failures int

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWriter creates the writer and starts its flusher.
func NewWriter(sink Sink, logger *logging.Logger) *Writer {
	w := &Writer{
		sink:    sink,
		logger:  logger,
		buf:     make([]store.TelemetryRecord, 0, BufferSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Enqueue appends a record without blocking. A full buffer schedules an
// immediate flush; the producer never waits on the store.
func (w *Writer) Enqueue(rec store.TelemetryRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = store.TS(time.Now())
	}

	w.mu.Lock()
	w.buf = append(w.buf, rec)
	full := len(w.buf) >= BufferSize
	w.mu.Unlock()

	metrics.TelemetryEnqueued.Inc()
	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many records are waiting.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Close drains the buffer and stops the flusher. Called on shutdown.
func (w *Writer) Close(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Writer) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		case <-w.stopCh:
			// Final drain with a bounded budget.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.flushWith(ctx)
			cancel()
			return
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.flushWith(ctx)
}

func (w *Writer) flushWith(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = make([]store.TelemetryRecord, 0, BufferSize)
	w.mu.Unlock()

	if err := w.sink.InsertTelemetry(ctx, batch); err != nil {
		w.mu.Lock()
		w.failures++
		dropped := w.failures >= MaxFlushFailures
		if !dropped {
			// Re-enqueue at the head so ordering survives the retry.
			w.buf = append(batch, w.buf...)
		} else {
			w.failures = 0
		}
		w.mu.Unlock()

		if dropped {
			metrics.TelemetryDropped.Add(float64(len(batch)))
			w.logger.Error(ctx, "telemetry batch dropped after repeated flush failures", map[string]interface{}{
				"batch_size": len(batch),
				"error":      err.Error(),
			})
		} else {
			w.logger.Warn(ctx, "telemetry flush failed, batch re-enqueued", map[string]interface{}{
				"batch_size": len(batch),
				"error":      err.Error(),
			})
		}
		return
	}

	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
	metrics.TelemetryFlushed.Add(float64(len(batch)))
}
