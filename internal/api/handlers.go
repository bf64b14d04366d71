package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/trustplane/backend/internal/adapters"
	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/kpi"
	"github.com/trustplane/backend/internal/middleware"
	"github.com/trustplane/backend/internal/store"
)

// handleWebhook ingests one signed webhook through the adapter pipeline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	scope, ok := middleware.ScopeFrom(r.Context())
	if !ok {
		writeError(w, faults.New(faults.KindAuthentication, "unauthorized", "missing tenant scope"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, store.MaxEventPayload+1))
	if err != nil {
		writeError(w, faults.Wrap(faults.KindValidation, "body_unreadable", "could not read request body", err))
		return
	}

	result, err := s.runtime.Process(r.Context(), scope, &adapters.Inbound{
		Source:         source,
		Body:           body,
		Signature:      r.Header.Get(adapters.HeaderSignature),
		Timestamp:      r.Header.Get(adapters.HeaderTimestamp),
		IdempotencyKey: r.Header.Get(adapters.HeaderIdempotencyKey),
		UserID:         r.Header.Get("X-User-ID"),
		Role:           r.Header.Get("X-User-Role"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleHealth reports DB reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["supabase"] = err.Error()
		healthy = false
	} else {
		checks["supabase"] = "ok"
	}
	if s.pg != nil {
		if err := s.pg.Ping(r.Context()); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"healthy": healthy, "checks": checks})
}

// handleLiveness reports the process is alive.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports DB, scheduler, and self-healing readiness.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := true
	checks := map[string]interface{}{}

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "unreachable"
		ready = false
	} else {
		checks["store"] = "ok"
	}
	checks["scheduler"] = s.sched.Ready()
	if !s.sched.Ready() {
		ready = false
	}
	checks["self_healing"] = s.cfg.SelfHeal.Enabled

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}

// handleListAgents lists the tenant's agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	agents, err := s.store.ListAgents(r.Context(), scope, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

// handleAgentTelemetry returns a telemetry page for one agent.
func (s *Server) handleAgentTelemetry(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())
	agentID := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.store.ListAgentTelemetry(r.Context(), scope, agentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": agentID, "telemetry": records})
}

// handleQuarantineRelease explicitly ends a quarantine.
func (s *Server) handleQuarantineRelease(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())
	agentID := mux.Vars(r)["id"]

	if err := s.selfheal.Release(r.Context(), scope, agentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "released"})
}

// handleTrust returns the latest KPI bundle, computing a fresh one when no
// snapshot exists yet.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())

	snap, err := s.store.LatestMetricSnapshot(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap != nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	bundle, err := s.kpi.Snapshot(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleFlags returns the server-resolved feature-flag snapshot for the
// scope. Clients read this instead of the flag table.
func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())

	snap, err := s.flags.Snapshot(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHourlyRollups returns the hourly latency and error aggregates for a
// window, defaulting to the trailing 24 hours.
func (s *Server) handleHourlyRollups(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, faults.New(faults.KindConfiguration, "rollups_unavailable",
			"rollup storage is not configured"))
		return
	}
	scope, _ := middleware.ScopeFrom(r.Context())

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		if t, ok := store.ParseTS(v); ok {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, ok := store.ParseTS(v); ok {
			to = t
		}
	}

	rollups, err := s.pg.ListHourlyRollups(r.Context(), scope, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rollups": rollups, "count": len(rollups)})
}

// handleBaseline returns the stored statistical baseline for one metric.
func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())
	metric := mux.Vars(r)["metric"]

	base, err := s.store.GetBaseline(r.Context(), scope, metric)
	if err != nil {
		writeError(w, err)
		return
	}
	if base == nil {
		writeError(w, faults.New(faults.KindNotFound, "baseline_missing",
			"no baseline recorded for metric "+metric))
		return
	}
	writeJSON(w, http.StatusOK, base)
}

// handleSimilarEvents runs a nearest-neighbor search over event embeddings.
func (s *Server) handleSimilarEvents(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, faults.New(faults.KindConfiguration, "search_unavailable",
			"embedding storage is not configured"))
		return
	}
	scope, _ := middleware.ScopeFrom(r.Context())

	var req struct {
		Embedding   []float32 `json:"embedding"`
		Limit       int       `json:"limit,omitempty"`
		MaxDistance float64   `json:"max_distance,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.New(faults.KindValidation, "body_malformed", "request body must be JSON"))
		return
	}

	hits, err := s.pg.SearchSimilarEvents(r.Context(), scope, req.Embedding, req.Limit, req.MaxDistance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": hits, "count": len(hits)})
}

// handleExport renders the KPI bundle as Markdown or CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scope, _ := middleware.ScopeFrom(r.Context())

	var req struct {
		Format string `json:"format"`
		From   string `json:"from,omitempty"`
		To     string `json:"to,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.New(faults.KindValidation, "body_malformed", "request body must be JSON"))
		return
	}
	if req.Format != kpi.FormatMarkdown && req.Format != kpi.FormatCSV {
		writeError(w, faults.New(faults.KindValidation, "format_invalid", `format must be "markdown" or "csv"`))
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if req.From != "" {
		if t, ok := store.ParseTS(req.From); ok {
			from = t
		}
	}
	if req.To != "" {
		if t, ok := store.ParseTS(req.To); ok {
			to = t
		}
	}

	bundle, err := s.kpi.Compute(r.Context(), scope, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	// Prior period of equal length for delta commentary.
	var prev *kpi.Bundle
	if p, err := s.kpi.Compute(r.Context(), scope, from.Add(-to.Sub(from)), from); err == nil {
		prev = p
	}

	switch req.Format {
	case kpi.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, kpi.RenderCSV(bundle, prev))
	default:
		w.Header().Set("Content-Type", "text/markdown")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, kpi.RenderMarkdown(bundle, prev))
	}
}
