package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/backend/internal/events"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/store"
)

// Anomaly types.
const (
	TypeDrift      = "drift"
	TypeRegression = "regression"
	TypeSpike      = "spike"
	TypeSLABreach  = "sla_breach"
)

// Severities.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DefaultPollWindow is how much fresh telemetry each detection pass covers.
const DefaultPollWindow = 5 * time.Minute

// Detector evaluates fresh telemetry against the stored baselines and
// appends anomalies atomically, emitting each on the bus for subscribers.
type Detector struct {
	store  *store.Client
	bus    *events.Bus
	logger *logging.Logger
	window time.Duration
}

// NewDetector creates a detector with the default 5-minute polling window.
func NewDetector(sc *store.Client, bus *events.Bus, logger *logging.Logger) *Detector {
	return &Detector{store: sc, bus: bus, logger: logger, window: DefaultPollWindow}
}

// Scan runs one detection pass for a scope and returns what it found.
func (d *Detector) Scan(ctx context.Context, scope store.Scope) ([]store.Anomaly, error) {
	since := time.Now().Add(-d.window)
	records, err := d.store.ListTelemetrySince(ctx, scope, since)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	baselines, err := d.store.ListBaselines(ctx, scope)
	if err != nil {
		return nil, err
	}
	byMetric := make(map[string]store.Baseline, len(baselines))
	for _, b := range baselines {
		byMetric[b.MetricName] = b
	}

	observed := windowAggregates(records)
	now := store.TS(time.Now())

	var found []store.Anomaly
	add := func(a store.Anomaly) {
		a.AnomalyID = uuid.NewString()
		a.TenantID = scope.TenantID
		a.Env = scope.Env
		a.DetectedAt = now
		found = append(found, a)
	}

	for metric, value := range observed {
		if base, ok := byMetric[metric]; ok {
			if a := checkDrift(metric, value, base); a != nil {
				add(*a)
			}
			if a := checkRegression(metric, value, base); a != nil {
				add(*a)
			}
			if a := checkSpike(metric, value, base); a != nil {
				add(*a)
			}
		}
	}
	if a := checkSLA(observed); a != nil {
		add(*a)
	}

	if len(found) == 0 {
		return nil, nil
	}
	if err := d.store.InsertAnomalies(ctx, found); err != nil {
		return nil, err
	}

	for _, a := range found {
		metrics.AnomaliesDetected.WithLabelValues(a.AnomalyType, a.Severity).Inc()
		d.bus.EmitScoped(events.TypeAnomalyDetected, "anomaly-detector", a.MetricName,
			scope.TenantID, scope.Env, "", map[string]interface{}{
				"anomaly_id":   a.AnomalyID,
				"anomaly_type": a.AnomalyType,
				"metric_name":  a.MetricName,
				"severity":     a.Severity,
				"observed":     a.Observed,
				"baseline":     a.BaselineValue,
			})
	}
	d.logger.Info(ctx, "anomaly scan complete", map[string]interface{}{
		"tenant_id": scope.TenantID,
		"env":       scope.Env,
		"found":     len(found),
	})
	return found, nil
}

// windowAggregates reduces the fresh telemetry to one observed value per
// metric: mean latency, total traffic, window error rate, mean uptime.
func windowAggregates(records []store.TelemetryRecord) map[string]float64 {
	var latencySum, uptimeSum float64
	var uptimeN int
	var requests, errs int

	for _, rec := range records {
		latencySum += rec.LatencyMs
		requests += rec.SuccessCount + rec.Errors
		errs += rec.Errors
		if rec.UptimePct > 0 {
			uptimeSum += rec.UptimePct
			uptimeN++
		}
	}
	if requests == 0 {
		requests = len(records)
	}

	out := map[string]float64{
		MetricLatency: latencySum / float64(len(records)),
		MetricTraffic: float64(requests),
	}
	if requests > 0 {
		out[MetricErrorRate] = float64(errs) / float64(requests)
	}
	if uptimeN > 0 {
		out[MetricUptime] = uptimeSum / float64(uptimeN)
	}
	return out
}

// checkDrift applies the z-score ladder: >=3 medium, >=4 high, >=5 critical.
func checkDrift(metric string, observed float64, base store.Baseline) *store.Anomaly {
	if base.StdDev == 0 {
		return nil
	}
	z := (observed - base.Mean) / base.StdDev
	abs := z
	if abs < 0 {
		abs = -abs
	}
	var severity string
	switch {
	case abs >= 5:
		severity = SeverityCritical
	case abs >= 4:
		severity = SeverityHigh
	case abs >= 3:
		severity = SeverityMedium
	default:
		return nil
	}
	return &store.Anomaly{
		AnomalyType:   TypeDrift,
		MetricName:    metric,
		Severity:      severity,
		Observed:      observed,
		BaselineValue: base.Mean,
		ZScore:        z,
		Details:       fmt.Sprintf("z-score %.2f against baseline mean %.2f", z, base.Mean),
	}
}

// checkRegression applies only to latency and error metrics: percentage
// increase vs. baseline p95 (latency) or mean (error rate).
func checkRegression(metric string, observed float64, base store.Baseline) *store.Anomaly {
	var reference float64
	var medium, high, critical float64
	switch metric {
	case MetricLatency:
		reference = base.P95
		medium, high, critical = 20, 30, 50
	case MetricErrorRate:
		reference = base.Mean
		medium, high, critical = 20, 50, 100
	default:
		return nil
	}
	if reference <= 0 || observed <= reference {
		return nil
	}
	increase := (observed - reference) / reference * 100

	var severity string
	switch {
	case increase >= critical:
		severity = SeverityCritical
	case increase >= high:
		severity = SeverityHigh
	case increase >= medium:
		severity = SeverityMedium
	default:
		return nil
	}
	return &store.Anomaly{
		AnomalyType:   TypeRegression,
		MetricName:    metric,
		Severity:      severity,
		Observed:      observed,
		BaselineValue: reference,
		Details:       fmt.Sprintf("%.0f%% increase over baseline %.2f", increase, reference),
	}
}

// checkSpike applies only to traffic: increase vs. baseline mean exceeding
// 200/300/500 percent.
func checkSpike(metric string, observed float64, base store.Baseline) *store.Anomaly {
	if metric != MetricTraffic || base.Mean <= 0 || observed <= base.Mean {
		return nil
	}
	increase := (observed - base.Mean) / base.Mean * 100

	var severity string
	switch {
	case increase >= 500:
		severity = SeverityCritical
	case increase >= 300:
		severity = SeverityHigh
	case increase >= 200:
		severity = SeverityMedium
	default:
		return nil
	}
	return &store.Anomaly{
		AnomalyType:   TypeSpike,
		MetricName:    metric,
		Severity:      severity,
		Observed:      observed,
		BaselineValue: base.Mean,
		Details:       fmt.Sprintf("traffic %.0f%% above baseline mean %.2f", increase, base.Mean),
	}
}

// checkSLA fires on absolute thresholds regardless of baselines: error rate
// over 1% or uptime under 99.9% is high; over 5% or under 99% is critical.
func checkSLA(observed map[string]float64) *store.Anomaly {
	errRate, hasErr := observed[MetricErrorRate]
	uptime, hasUptime := observed[MetricUptime]

	var severity string
	switch {
	case (hasErr && errRate > 0.05) || (hasUptime && uptime < 99.0):
		severity = SeverityCritical
	case (hasErr && errRate > 0.01) || (hasUptime && uptime < 99.9):
		severity = SeverityHigh
	default:
		return nil
	}

	metric := MetricErrorRate
	value := errRate
	threshold := 0.01
	if !hasErr || errRate <= 0.01 {
		metric = MetricUptime
		value = uptime
		threshold = 99.9
	}
	return &store.Anomaly{
		AnomalyType:   TypeSLABreach,
		MetricName:    metric,
		Severity:      severity,
		Observed:      value,
		BaselineValue: threshold,
		Details:       fmt.Sprintf("%s at %.4f breaches the SLA threshold", metric, value),
	}
}
