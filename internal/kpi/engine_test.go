package kpi

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trustplane/backend/internal/anomaly"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

func newScoringEngine(w Weights) *Engine {
	return NewEngine(nil, logging.NewWithWriter("kpi-test", io.Discard), Config{Weights: w})
}

func TestTrustScorePerfectTenant(t *testing.T) {
	e := newScoringEngine(DefaultWeights())
	b := &Bundle{SyncFreshnessPct: 100}
	assert.InDelta(t, 100.0, e.trustScore(b), 0.001)
}

func TestTrustScoreWeighting(t *testing.T) {
	e := newScoringEngine(DefaultWeights())

	// 10% errors costs 0.3*0.1 = 3 points off a perfect 100.
	b := &Bundle{ErrorRate: 0.1, SyncFreshnessPct: 100}
	assert.InDelta(t, 97.0, e.trustScore(b), 0.001)

	// Stale workflows cost the freshness factor: 0.2*0.5 = 10 points.
	b = &Bundle{SyncFreshnessPct: 50}
	assert.InDelta(t, 90.0, e.trustScore(b), 0.001)

	// Drift feeds risk exposure: 100% drift zeroes that factor.
	b = &Bundle{SyncFreshnessPct: 100, DriftRatePct: 100}
	assert.InDelta(t, 80.0, e.trustScore(b), 0.001)
}

func TestTrustScoreIsBounded(t *testing.T) {
	e := newScoringEngine(DefaultWeights())
	b := &Bundle{ErrorRate: 5, PolicyViolationRate: 5, DriftRatePct: 900}
	score := e.trustScore(b)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
}

func TestTrustScoreCustomWeights(t *testing.T) {
	e := newScoringEngine(Weights{Reliability: 1})
	assert.InDelta(t, 100.0, e.trustScore(&Bundle{}), 0.001)
	assert.InDelta(t, 50.0, e.trustScore(&Bundle{ErrorRate: 0.5}), 0.001)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultWeights(), cfg.Weights)
	assert.Equal(t, 24*time.Hour, cfg.SyncFreshnessSLO)
	assert.Equal(t, 10000.0, cfg.IncidentCostUSD)
	assert.Equal(t, 500.0, cfg.ViolationCostUSD)
	assert.Equal(t, 5*time.Minute, cfg.AnomalyScanInterval)
}

func TestRemediationCounts(t *testing.T) {
	anomalies := []store.Anomaly{
		{Severity: anomaly.SeverityMedium},
		{Severity: anomaly.SeverityHigh},
		{Severity: anomaly.SeverityCritical},
	}
	healed, incidents := remediationCounts(anomalies)
	assert.Equal(t, 3, incidents)
	assert.Equal(t, 2, healed)
}
