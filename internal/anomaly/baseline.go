// Package anomaly maintains rolling statistical baselines over telemetry
// and detects drift, regressions, traffic spikes, and SLA breaches against
// them.
package anomaly

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

// Metric names the detector baselines and evaluates.
const (
	MetricLatency   = "latency_ms"
	MetricErrorRate = "error_rate"
	MetricTraffic   = "request_count"
	MetricUptime    = "uptime_pct"
)

// DefaultLookback is the baseline window.
const DefaultLookback = 7 * 24 * time.Hour

// stats computes mean, stddev, and percentiles over a sample.
func stats(samples []float64) (mean, stddev, p50, p95, p99 float64) {
	n := len(samples)
	if n == 0 {
		return
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean = sum / float64(n)

	varSum := 0.0
	for _, v := range samples {
		d := v - mean
		varSum += d * d
	}
	stddev = math.Sqrt(varSum / float64(n))

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	p50 = percentile(sorted, 0.50)
	p95 = percentile(sorted, 0.95)
	p99 = percentile(sorted, 0.99)
	return
}

// percentile uses nearest-rank over a sorted sample.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Baseliner refreshes the per-metric baselines from raw telemetry.
type Baseliner struct {
	store    *store.Client
	logger   *logging.Logger
	lookback time.Duration
}

// NewBaseliner creates a baseliner with the default 7-day lookback.
func NewBaseliner(sc *store.Client, logger *logging.Logger) *Baseliner {
	return &Baseliner{store: sc, logger: logger, lookback: DefaultLookback}
}

// SetLookback overrides the baseline window.
func (b *Baseliner) SetLookback(d time.Duration) {
	if d > 0 {
		b.lookback = d
	}
}

// Refresh recomputes every metric baseline for a scope from the telemetry
// of the lookback window. Runs nightly.
func (b *Baseliner) Refresh(ctx context.Context, scope store.Scope) error {
	since := time.Now().Add(-b.lookback)
	records, err := b.store.ListTelemetrySince(ctx, scope, since)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	series := seriesFromTelemetry(records)
	for metric, samples := range series {
		mean, stddev, p50, p95, p99 := stats(samples)
		baseline := &store.Baseline{
			TenantID:    scope.TenantID,
			Env:         scope.Env,
			MetricName:  metric,
			Mean:        mean,
			StdDev:      stddev,
			P50:         p50,
			P95:         p95,
			P99:         p99,
			SampleCount: int64(len(samples)),
		}
		if err := b.store.UpsertBaseline(ctx, baseline); err != nil {
			return err
		}
	}

	b.logger.Info(ctx, "baselines refreshed", map[string]interface{}{
		"tenant_id": scope.TenantID,
		"env":       scope.Env,
		"metrics":   len(series),
		"samples":   len(records),
	})
	return nil
}

// seriesFromTelemetry buckets raw records into per-metric sample series.
// Error rate and traffic are derived per 5-minute bucket so the samples are
// comparable across windows of different density.
func seriesFromTelemetry(records []store.TelemetryRecord) map[string][]float64 {
	series := map[string][]float64{}

	type bucketAgg struct {
		requests int
		errors   int
	}
	buckets := map[int64]*bucketAgg{}

	for _, rec := range records {
		series[MetricLatency] = append(series[MetricLatency], rec.LatencyMs)
		if rec.UptimePct > 0 {
			series[MetricUptime] = append(series[MetricUptime], rec.UptimePct)
		}

		ts, ok := store.ParseTS(rec.Timestamp)
		if !ok {
			continue
		}
		key := ts.Unix() / 300
		agg := buckets[key]
		if agg == nil {
			agg = &bucketAgg{}
			buckets[key] = agg
		}
		agg.requests += rec.SuccessCount + rec.Errors
		if agg.requests == 0 {
			agg.requests = 1
		}
		agg.errors += rec.Errors
	}

	for _, agg := range buckets {
		series[MetricTraffic] = append(series[MetricTraffic], float64(agg.requests))
		if agg.requests > 0 {
			series[MetricErrorRate] = append(series[MetricErrorRate], float64(agg.errors)/float64(agg.requests))
		}
	}
	return series
}
