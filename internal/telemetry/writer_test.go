package telemetry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

// fakeSink records flushed batches and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]store.TelemetryRecord
	fail    bool
}

func (f *fakeSink) InsertTelemetry(ctx context.Context, records []store.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeSink) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSink) flushed() [][]store.TelemetryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter("telemetry-test", io.Discard)
}

func rec(agentID string) store.TelemetryRecord {
	return store.TelemetryRecord{TenantID: "t1", Env: "prod", AgentID: agentID, LatencyMs: 10}
}

func TestEnqueueStampsAndCounts(t *testing.T) {
	w := NewWriter(&fakeSink{}, testLogger())
	defer w.Close(context.Background())

	w.Enqueue(store.TelemetryRecord{TenantID: "t1", Env: "prod", AgentID: "a1", LatencyMs: 42})
	w.Enqueue(store.TelemetryRecord{TenantID: "t1", Env: "prod", AgentID: "a1", Timestamp: "2026-08-25T10:00:00Z"})

	assert.Equal(t, 2, w.Pending())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.NotEmpty(t, w.buf[0].Timestamp, "a missing timestamp is stamped at enqueue")
	assert.Equal(t, "2026-08-25T10:00:00Z", w.buf[1].Timestamp, "a supplied timestamp is kept")
}

func TestFullBufferTriggersFlush(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, testLogger())
	defer w.Close(context.Background())

	for i := 0; i < BufferSize; i++ {
		w.Enqueue(rec("a1"))
	}

	// The flusher drains asynchronously once the buffer fills.
	deadline := time.After(2 * time.Second)
	for w.Pending() > 0 {
		select {
		case <-deadline:
			t.Fatalf("buffer not drained, %d records pending", w.Pending())
		case <-time.After(10 * time.Millisecond):
		}
	}

	var total int
	for _, batch := range sink.flushed() {
		total += len(batch)
	}
	assert.Equal(t, BufferSize, total)
}

func TestFailedFlushReenqueuesInOrder(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := NewWriter(sink, testLogger())
	defer w.Close(context.Background())

	w.Enqueue(rec("a"))
	w.Enqueue(rec("b"))
	w.flush()

	// The failed batch went back to the head; later records follow it.
	w.Enqueue(rec("c"))
	assert.Equal(t, 3, w.Pending())

	sink.setFail(false)
	w.flush()
	assert.Equal(t, 0, w.Pending())

	batches := sink.flushed()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, "a", batches[0][0].AgentID)
	assert.Equal(t, "b", batches[0][1].AgentID)
	assert.Equal(t, "c", batches[0][2].AgentID)
}

func TestBatchDroppedAfterRepeatedFailures(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := NewWriter(sink, testLogger())
	defer w.Close(context.Background())

	w.Enqueue(rec("doomed"))
	for i := 0; i < MaxFlushFailures; i++ {
		assert.Equal(t, 1, w.Pending(), "batch survives failure %d", i)
		w.flush()
	}

	assert.Equal(t, 0, w.Pending(), "batch dropped after the failure cap")

	// The failure counter reset with the drop; a later batch starts clean.
	sink.setFail(false)
	w.Enqueue(rec("next"))
	w.flush()
	assert.Equal(t, 0, w.Pending())
	require.NotEmpty(t, sink.flushed())
	assert.Equal(t, "next", sink.flushed()[0][0].AgentID)
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, testLogger())

	w.Enqueue(rec("a"))
	w.Enqueue(rec("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	var total int
	for _, batch := range sink.flushed() {
		total += len(batch)
	}
	assert.Equal(t, 2, total)
}
