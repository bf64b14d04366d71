// Package api is the HTTP surface: webhook ingestion, health and status,
// tenant-scoped reads, KPI reports, the Prometheus exposition, and the
// anomaly websocket stream.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trustplane/backend/internal/adapters"
	"github.com/trustplane/backend/internal/config"
	"github.com/trustplane/backend/internal/correlation"
	"github.com/trustplane/backend/internal/events"
	"github.com/trustplane/backend/internal/faults"
	"github.com/trustplane/backend/internal/kpi"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/middleware"
	"github.com/trustplane/backend/internal/scheduler"
	"github.com/trustplane/backend/internal/selfheal"
	"github.com/trustplane/backend/internal/store"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	cfg      *config.Config
	store    *store.Client
	pg       *store.PG
	runtime  *adapters.Runtime
	kpi      *kpi.Engine
	selfheal *selfheal.Controller
	sched    *scheduler.Scheduler
	bus      *events.Bus
	flags    *store.FlagCache
	limiter  *middleware.RateLimiter
	logger   *logging.Logger

	httpServer *http.Server
}

// NewServer builds the server; Start runs it.
func NewServer(cfg *config.Config, sc *store.Client, pg *store.PG, rt *adapters.Runtime,
	kpiEngine *kpi.Engine, healer *selfheal.Controller, sched *scheduler.Scheduler,
	bus *events.Bus, flags *store.FlagCache, logger *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    sc,
		pg:       pg,
		runtime:  rt,
		kpi:      kpiEngine,
		selfheal: healer,
		sched:    sched,
		bus:      bus,
		flags:    flags,
		limiter:  middleware.NewRateLimiter(cfg.Limits.GlobalPerWindow, cfg.Limits.GlobalWindow, cfg.Limits.BlockedIPs),
		logger:   logger,
	}
}

// Router assembles all routes with their middleware chains.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(correlation.Middleware)

	public := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.limiter.Wrap(middleware.Observe(route, s.logger, h))
	}
	protected := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.limiter.Wrap(middleware.Observe(route, s.logger,
			middleware.TenantAuth(s.store, s.logger, h)))
	}

	// Ingestion. Webhooks authenticate by the HMAC signature verified in
	// the pipeline; the headers only pick which tenant's secret to check.
	r.HandleFunc("/adapters/{source}/webhook",
		public("/adapters/{source}/webhook", middleware.WebhookScope(s.store, s.logger, s.handleWebhook))).
		Methods(http.MethodPost)

	// Health and status.
	r.HandleFunc("/health", public("/health", s.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/status/liveness", public("/status/liveness", s.handleLiveness)).Methods(http.MethodGet)
	r.HandleFunc("/status/readiness", public("/status/readiness", s.handleReadiness)).Methods(http.MethodGet)

	// Tenant-scoped reads and reports.
	r.HandleFunc("/agents", protected("/agents", s.handleListAgents)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/telemetry", protected("/agents/{id}/telemetry", s.handleAgentTelemetry)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/quarantine/release", protected("/agents/{id}/quarantine/release", s.handleQuarantineRelease)).Methods(http.MethodPost)
	r.HandleFunc("/trust", protected("/trust", s.handleTrust)).Methods(http.MethodGet)
	r.HandleFunc("/flags", protected("/flags", s.handleFlags)).Methods(http.MethodGet)
	r.HandleFunc("/rollups/hourly", protected("/rollups/hourly", s.handleHourlyRollups)).Methods(http.MethodGet)
	r.HandleFunc("/baselines/{metric}", protected("/baselines/{metric}", s.handleBaseline)).Methods(http.MethodGet)
	r.HandleFunc("/events/similar", protected("/events/similar", s.handleSimilarEvents)).Methods(http.MethodPost)
	r.HandleFunc("/reports/export", protected("/reports/export", s.handleExport)).Methods(http.MethodPost)
	r.HandleFunc("/anomalies/stream", protected("/anomalies/stream", s.handleAnomalyStream)).Methods(http.MethodGet)

	// Prometheus exposition.
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      middleware.CORS(s.cfg.Server.CORSOrigin, s.Router()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", map[string]interface{}{"addr": addr})
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.limiter.Stop()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// writeJSON emits a JSON body with status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error to a stable machine-readable body.
// 5xx details are redacted.
func writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	code := faults.CodeOf(err)
	if code == "" {
		code = "internal"
	}

	body := map[string]string{"code": code}
	if status < 500 {
		body["message"] = err.Error()
	} else {
		body["message"] = "internal error"
	}
	writeJSON(w, status, body)
}
