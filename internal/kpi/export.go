package kpi

import (
	"fmt"
	"strings"
	"time"
)

// Export formats.
const (
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// trafficLight maps a metric value to green/yellow/red against per-metric
// thresholds; higherIsBetter flips the comparison for rates where low is
// good.
func trafficLight(value, green, yellow float64, higherIsBetter bool) string {
	if higherIsBetter {
		switch {
		case value >= green:
			return "green"
		case value >= yellow:
			return "yellow"
		default:
			return "red"
		}
	}
	switch {
	case value <= green:
		return "green"
	case value <= yellow:
		return "yellow"
	default:
		return "red"
	}
}

type exportRow struct {
	Name  string
	Value string
	Light string
	Delta string
}

// rows builds the per-metric table, with deltas against the previous bundle
// when one is supplied.
func rows(b *Bundle, prev *Bundle) []exportRow {
	delta := func(cur, old float64, unit string) string {
		if prev == nil {
			return "n/a"
		}
		d := cur - old
		switch {
		case d > 0:
			return fmt.Sprintf("+%.1f%s", d, unit)
		case d < 0:
			return fmt.Sprintf("%.1f%s", d, unit)
		default:
			return "unchanged"
		}
	}
	var prevOr Bundle
	if prev != nil {
		prevOr = *prev
	}

	return []exportRow{
		{"Trust Score", fmt.Sprintf("%.1f / 100", b.TrustScore),
			trafficLight(b.TrustScore, 80, 60, true), delta(b.TrustScore, prevOr.TrustScore, "")},
		{"Risk Avoided", fmt.Sprintf("$%.0f", b.RiskAvoidedUSD),
			trafficLight(b.RiskAvoidedUSD, 0, 0, true), delta(b.RiskAvoidedUSD, prevOr.RiskAvoidedUSD, "$")},
		{"Sync Freshness", fmt.Sprintf("%.1f%%", b.SyncFreshnessPct),
			trafficLight(b.SyncFreshnessPct, 95, 80, true), delta(b.SyncFreshnessPct, prevOr.SyncFreshnessPct, "pp")},
		{"Drift Rate", fmt.Sprintf("%.2f%%", b.DriftRatePct),
			trafficLight(b.DriftRatePct, 1, 5, false), delta(b.DriftRatePct, prevOr.DriftRatePct, "pp")},
		{"Compliance SLA", fmt.Sprintf("%.1f%%", b.ComplianceSLAPct),
			trafficLight(b.ComplianceSLAPct, 99.9, 99, true), delta(b.ComplianceSLAPct, prevOr.ComplianceSLAPct, "pp")},
		{"Self-Resolution Ratio", fmt.Sprintf("%.2f", b.SelfResolutionRatio),
			trafficLight(b.SelfResolutionRatio, 0.8, 0.5, true), delta(b.SelfResolutionRatio, prevOr.SelfResolutionRatio, "")},
	}
}

// commentary derives a short narrative from the deltas.
func commentary(b *Bundle, prev *Bundle) string {
	if prev == nil {
		return "No prior period available for comparison."
	}
	var notes []string
	if d := b.TrustScore - prev.TrustScore; d >= 1 {
		notes = append(notes, fmt.Sprintf("Trust Score improved by %.1f points.", d))
	} else if d <= -1 {
		notes = append(notes, fmt.Sprintf("Trust Score declined by %.1f points; review the drift and error-rate metrics below.", -d))
	}
	if b.DriftRatePct > prev.DriftRatePct {
		notes = append(notes, "Anomaly drift increased versus the prior period.")
	}
	if b.ComplianceSLAPct < prev.ComplianceSLAPct {
		notes = append(notes, "Compliance SLA slipped; at least one obligation window recorded a breach.")
	}
	if b.SyncFreshnessPct > prev.SyncFreshnessPct {
		notes = append(notes, "Workflow sync freshness improved.")
	}
	if len(notes) == 0 {
		return "All key metrics are stable versus the prior period."
	}
	return strings.Join(notes, " ")
}

// RenderMarkdown renders the executive summary as Markdown.
func RenderMarkdown(b *Bundle, prev *Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Trust & Governance Report\n\n")
	fmt.Fprintf(&sb, "Tenant: `%s` (%s)  \n", b.TenantID, b.Env)
	fmt.Fprintf(&sb, "Period: %s — %s\n\n",
		b.From.UTC().Format(time.RFC3339), b.To.UTC().Format(time.RFC3339))

	sb.WriteString("| Metric | Value | Status | Delta |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, r := range rows(b, prev) {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", r.Name, r.Value, r.Light, r.Delta)
	}

	fmt.Fprintf(&sb, "\nActive agents: %d · Active workflows: %d · Events: %d\n",
		b.ActiveAgents, b.ActiveWorkflows, b.TotalEvents)
	fmt.Fprintf(&sb, "\n%s\n", commentary(b, prev))
	return sb.String()
}

// RenderCSV renders the bundle as CSV with a header row.
func RenderCSV(b *Bundle, prev *Bundle) string {
	var sb strings.Builder
	sb.WriteString("metric,value,status,delta\n")
	for _, r := range rows(b, prev) {
		value := strings.ReplaceAll(r.Value, ",", "")
		fmt.Fprintf(&sb, "%s,%s,%s,%s\n", r.Name, value, r.Light, r.Delta)
	}
	fmt.Fprintf(&sb, "Active Agents,%d,,\n", b.ActiveAgents)
	fmt.Fprintf(&sb, "Active Workflows,%d,,\n", b.ActiveWorkflows)
	fmt.Fprintf(&sb, "Total Events,%d,,\n", b.TotalEvents)
	return sb.String()
}
