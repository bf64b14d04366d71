package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/store"
)

func TestStats(t *testing.T) {
	mean, stddev, p50, p95, p99 := stats([]float64{10, 20, 30, 40, 50})
	assert.InDelta(t, 30.0, mean, 0.001)
	assert.InDelta(t, 14.142, stddev, 0.01)
	assert.Equal(t, 30.0, p50)
	assert.Equal(t, 50.0, p95)
	assert.Equal(t, 50.0, p99)
}

func TestStatsEmpty(t *testing.T) {
	mean, stddev, _, _, _ := stats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, stddev)
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(sorted, 0.50))
	assert.Equal(t, 10.0, percentile(sorted, 0.95))
	assert.Equal(t, 1.0, percentile(sorted, 0.01))
}

func TestSeriesFromTelemetry(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	records := []store.TelemetryRecord{
		// Two records in the same 5-minute bucket.
		{Timestamp: store.TS(base), LatencyMs: 100, SuccessCount: 9, Errors: 1, UptimePct: 100},
		{Timestamp: store.TS(base.Add(time.Minute)), LatencyMs: 200, SuccessCount: 10},
		// One record in the next bucket.
		{Timestamp: store.TS(base.Add(6 * time.Minute)), LatencyMs: 150, SuccessCount: 5, Errors: 5},
	}
	series := seriesFromTelemetry(records)

	assert.Equal(t, []float64{100, 200, 150}, series[MetricLatency])
	assert.Equal(t, []float64{100}, series[MetricUptime])

	require.Len(t, series[MetricTraffic], 2)
	require.Len(t, series[MetricErrorRate], 2)

	total := series[MetricTraffic][0] + series[MetricTraffic][1]
	assert.Equal(t, 30.0, total)
	assert.Contains(t, series[MetricErrorRate], 0.05)
	assert.Contains(t, series[MetricErrorRate], 0.5)
}
