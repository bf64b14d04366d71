package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/store"
)

func TestCheckDriftLadder(t *testing.T) {
	base := store.Baseline{MetricName: MetricLatency, Mean: 100, StdDev: 10}

	assert.Nil(t, checkDrift(MetricLatency, 120, base), "z=2 is within tolerance")

	a := checkDrift(MetricLatency, 135, base)
	require.NotNil(t, a)
	assert.Equal(t, TypeDrift, a.AnomalyType)
	assert.Equal(t, SeverityMedium, a.Severity)
	assert.InDelta(t, 3.5, a.ZScore, 0.001)

	assert.Equal(t, SeverityHigh, checkDrift(MetricLatency, 145, base).Severity)
	assert.Equal(t, SeverityCritical, checkDrift(MetricLatency, 160, base).Severity)

	// Drift is two-sided.
	low := checkDrift(MetricLatency, 60, base)
	require.NotNil(t, low)
	assert.Equal(t, SeverityHigh, low.Severity)
	assert.InDelta(t, -4.0, low.ZScore, 0.001)
}

func TestCheckDriftNeedsVariance(t *testing.T) {
	base := store.Baseline{Mean: 100, StdDev: 0}
	assert.Nil(t, checkDrift(MetricLatency, 1000, base))
}

func TestCheckRegressionLatency(t *testing.T) {
	base := store.Baseline{MetricName: MetricLatency, P95: 200}

	assert.Nil(t, checkRegression(MetricLatency, 210, base), "5% is noise")

	a := checkRegression(MetricLatency, 250, base)
	require.NotNil(t, a)
	assert.Equal(t, TypeRegression, a.AnomalyType)
	assert.Equal(t, SeverityMedium, a.Severity)

	assert.Equal(t, SeverityHigh, checkRegression(MetricLatency, 270, base).Severity)
	assert.Equal(t, SeverityCritical, checkRegression(MetricLatency, 320, base).Severity)
}

func TestCheckRegressionErrorRate(t *testing.T) {
	base := store.Baseline{MetricName: MetricErrorRate, Mean: 0.01}

	a := checkRegression(MetricErrorRate, 0.0125, base)
	require.NotNil(t, a)
	assert.Equal(t, SeverityMedium, a.Severity)

	assert.Equal(t, SeverityCritical, checkRegression(MetricErrorRate, 0.02, base).Severity)
	assert.Nil(t, checkRegression(MetricTraffic, 1000, store.Baseline{Mean: 1}),
		"regression only applies to latency and error rate")
}

func TestCheckSpike(t *testing.T) {
	base := store.Baseline{MetricName: MetricTraffic, Mean: 100}

	assert.Nil(t, checkSpike(MetricTraffic, 250, base), "150% above is below the spike floor")

	a := checkSpike(MetricTraffic, 320, base)
	require.NotNil(t, a)
	assert.Equal(t, TypeSpike, a.AnomalyType)
	assert.Equal(t, SeverityMedium, a.Severity)

	assert.Equal(t, SeverityHigh, checkSpike(MetricTraffic, 450, base).Severity)
	assert.Equal(t, SeverityCritical, checkSpike(MetricTraffic, 700, base).Severity)
	assert.Nil(t, checkSpike(MetricLatency, 700, base))
}

func TestCheckSLAErrorRate(t *testing.T) {
	// A 2% error rate breaches the 1% SLA at high severity.
	a := checkSLA(map[string]float64{MetricErrorRate: 0.02, MetricUptime: 99.95})
	require.NotNil(t, a)
	assert.Equal(t, TypeSLABreach, a.AnomalyType)
	assert.Equal(t, MetricErrorRate, a.MetricName)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.InDelta(t, 0.02, a.Observed, 0.0001)

	assert.Equal(t, SeverityCritical,
		checkSLA(map[string]float64{MetricErrorRate: 0.06}).Severity)
}

func TestCheckSLAUptime(t *testing.T) {
	a := checkSLA(map[string]float64{MetricErrorRate: 0.001, MetricUptime: 99.5})
	require.NotNil(t, a)
	assert.Equal(t, MetricUptime, a.MetricName)
	assert.Equal(t, SeverityHigh, a.Severity)

	assert.Equal(t, SeverityCritical,
		checkSLA(map[string]float64{MetricUptime: 98.0}).Severity)
}

func TestCheckSLAHealthy(t *testing.T) {
	assert.Nil(t, checkSLA(map[string]float64{MetricErrorRate: 0.005, MetricUptime: 99.99}))
	assert.Nil(t, checkSLA(map[string]float64{}))
}

func TestWindowAggregates(t *testing.T) {
	records := []store.TelemetryRecord{
		{LatencyMs: 100, SuccessCount: 49, Errors: 1, UptimePct: 100},
		{LatencyMs: 300, SuccessCount: 48, Errors: 2, UptimePct: 99.8},
	}
	agg := windowAggregates(records)

	assert.InDelta(t, 200.0, agg[MetricLatency], 0.001)
	assert.InDelta(t, 100.0, agg[MetricTraffic], 0.001)
	assert.InDelta(t, 0.03, agg[MetricErrorRate], 0.0001)
	assert.InDelta(t, 99.9, agg[MetricUptime], 0.001)
}
