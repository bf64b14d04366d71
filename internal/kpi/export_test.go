package kpi

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle() *Bundle {
	return &Bundle{
		TenantID:            "acme",
		Env:                 "prod",
		From:                time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		To:                  time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		TrustScore:          92.5,
		RiskAvoidedUSD:      21000,
		SyncFreshnessPct:    98.0,
		DriftRatePct:        0.4,
		ComplianceSLAPct:    99.95,
		SelfResolutionRatio: 0.9,
		ActiveAgents:        4,
		ActiveWorkflows:     7,
		TotalEvents:         1234,
	}
}

func TestTrafficLight(t *testing.T) {
	assert.Equal(t, "green", trafficLight(92, 80, 60, true))
	assert.Equal(t, "yellow", trafficLight(70, 80, 60, true))
	assert.Equal(t, "red", trafficLight(50, 80, 60, true))

	// Lower-is-better metrics flip.
	assert.Equal(t, "green", trafficLight(0.5, 1, 5, false))
	assert.Equal(t, "yellow", trafficLight(3, 1, 5, false))
	assert.Equal(t, "red", trafficLight(9, 1, 5, false))
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown(sampleBundle(), nil)

	assert.Contains(t, out, "# Trust & Governance Report")
	assert.Contains(t, out, "`acme` (prod)")
	assert.Contains(t, out, "| Trust Score | 92.5 / 100 | green |")
	assert.Contains(t, out, "| Risk Avoided | $21000 |")
	assert.Contains(t, out, "Active agents: 4")
	assert.Contains(t, out, "No prior period available")
}

func TestRenderMarkdownDeltas(t *testing.T) {
	cur := sampleBundle()
	prev := sampleBundle()
	prev.TrustScore = 88.0
	prev.DriftRatePct = 0.1

	out := RenderMarkdown(cur, prev)
	assert.Contains(t, out, "+4.5")
	assert.Contains(t, out, "Trust Score improved by 4.5 points.")
	assert.Contains(t, out, "Anomaly drift increased")
}

func TestRenderCSV(t *testing.T) {
	out := RenderCSV(sampleBundle(), nil)
	lines := strings.Split(strings.TrimSpace(out), "\n")

	require.Equal(t, "metric,value,status,delta", lines[0])
	// 6 metric rows plus 3 count rows.
	assert.Len(t, lines, 10)
	assert.Contains(t, out, "Trust Score,92.5 / 100,green,n/a")
	assert.Contains(t, out, "Total Events,1234,,")

	for _, line := range lines {
		assert.Equal(t, 3, strings.Count(line, ","), line)
	}
}

func TestCommentaryStable(t *testing.T) {
	cur := sampleBundle()
	prev := sampleBundle()
	assert.Equal(t, "All key metrics are stable versus the prior period.", commentary(cur, prev))
}

func TestCommentaryDecline(t *testing.T) {
	cur := sampleBundle()
	prev := sampleBundle()
	cur.TrustScore = prev.TrustScore - 5
	cur.ComplianceSLAPct = prev.ComplianceSLAPct - 1

	note := commentary(cur, prev)
	assert.Contains(t, note, "declined by 5.0 points")
	assert.Contains(t, note, "Compliance SLA slipped")
}
