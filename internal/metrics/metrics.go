// Package metrics declares the Prometheus instruments exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts requests by method, route, and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_http_requests_total",
		Help: "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustplane_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// WebhooksIngested counts accepted webhooks per source adapter.
	WebhooksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_webhooks_ingested_total",
		Help: "Webhooks accepted per source adapter.",
	}, []string{"source"})

	// WebhooksRejected counts rejected webhooks per source and reason.
	WebhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_webhooks_rejected_total",
		Help: "Webhooks rejected per source and reason.",
	}, []string{"source", "reason"})

	// IdempotencyHits counts replays answered from the idempotency store.
	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustplane_idempotency_hits_total",
		Help: "Requests answered from a stored idempotency record.",
	})

	// PolicyDecisions counts decisions by tag.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_policy_decisions_total",
		Help: "Policy engine decisions by tag.",
	}, []string{"decision"})

	// PolicyLatency observes engine evaluation latency.
	PolicyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustplane_policy_evaluation_seconds",
		Help:    "Policy evaluation latency.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
	})

	// BreakerTransitions counts breaker state changes per target.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_breaker_transitions_total",
		Help: "Circuit breaker transitions per target and new state.",
	}, []string{"target", "state"})

	// TelemetryEnqueued counts records accepted by the batch writer.
	TelemetryEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustplane_telemetry_enqueued_total",
		Help: "Telemetry records enqueued.",
	})

	// TelemetryFlushed counts records persisted.
	TelemetryFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustplane_telemetry_flushed_total",
		Help: "Telemetry records flushed to the store.",
	})

	// TelemetryDropped counts records dropped after repeated flush failures.
	TelemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustplane_telemetry_dropped_total",
		Help: "Telemetry records dropped to protect memory.",
	})

	// JobRuns counts scheduler job executions by job and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_job_runs_total",
		Help: "Background job executions by name and outcome.",
	}, []string{"job", "outcome"})

	// JobDuration observes background job runtime.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustplane_job_duration_seconds",
		Help:    "Background job runtime.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	// AnomaliesDetected counts anomalies by type and severity.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_anomalies_detected_total",
		Help: "Anomalies detected by type and severity.",
	}, []string{"type", "severity"})

	// Remediations counts self-healing actions by kind.
	Remediations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_remediations_total",
		Help: "Self-healing remediations applied by action.",
	}, []string{"action"})

	// DLQDepth gauges dead-letter entries written since start.
	DLQDepth = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustplane_dlq_entries_total",
		Help: "Envelopes pushed to the dead-letter queue.",
	})
)

// Handler returns the Prometheus text exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
