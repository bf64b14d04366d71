package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/trustplane/backend/internal/adapters"
	"github.com/trustplane/backend/internal/anomaly"
	"github.com/trustplane/backend/internal/api"
	"github.com/trustplane/backend/internal/circuitbreaker"
	"github.com/trustplane/backend/internal/config"
	"github.com/trustplane/backend/internal/events"
	"github.com/trustplane/backend/internal/idempotency"
	"github.com/trustplane/backend/internal/kpi"
	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/metrics"
	"github.com/trustplane/backend/internal/policy"
	"github.com/trustplane/backend/internal/scheduler"
	"github.com/trustplane/backend/internal/secrets"
	"github.com/trustplane/backend/internal/selfheal"
	"github.com/trustplane/backend/internal/store"
	"github.com/trustplane/backend/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	mgr, err := config.NewManager(os.Getenv("CONFIG_FILE"), os.Getenv("TENANTS_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg := mgr.Global()

	logger := logging.New("trustplane")
	ctx := context.Background()

	// Storage.
	sc, err := store.NewClient(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	flags := store.NewFlagCache(sc)
	var pg *store.PG
	if cfg.Database.URL != "" {
		pg, err = store.NewPG(cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres init failed: %v", err)
		}
		defer pg.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// Core components.
	bridge := secrets.NewBridge(secrets.ProviderFor(cfg.Secrets.Provider), 0)
	idem := idempotency.NewService(sc, rdb, logger)
	engine := policy.NewEngine(sc, logger)
	engine.SetRateLimit(cfg.Policy.RateLimitPerMinute)

	bus := events.NewBus()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		OnStateChange: func(target string, from, to circuitbreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(target, to.String()).Inc()
		},
	})

	writer := telemetry.NewWriter(sc, logger)
	sagas := adapters.NewSagaRegistry(adapters.SagaConfig{}, logger)
	runtime := adapters.NewRuntime(sc, bridge, idem, engine, breakers, sagas, writer, bus, logger)

	kpiEngine := kpi.NewEngine(sc, logger, kpiConfigFrom(cfg))

	healer := selfheal.NewController(sc, breakers, bus, runtime, logger, selfheal.Config{
		Enabled:      cfg.SelfHeal.Enabled,
		StalenessSLO: time.Duration(cfg.SelfHeal.StalenessHours) * time.Hour,
		StuckTimeout: time.Duration(cfg.SelfHeal.StuckTimeoutMins) * time.Minute,
	})

	baseliner := anomaly.NewBaseliner(sc, logger)
	detector := anomaly.NewDetector(sc, bus, logger)

	// One scheduler owns every periodic job.
	sched := scheduler.New(logger)
	registerJobs(sched, cfg, mgr, sc, pg, flags, logger, baseliner, detector, healer, kpiEngine)
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(cfg, sc, pg, runtime, kpiEngine, healer, sched, bus, flags, logger)

	// Graceful shutdown: stop accepting, drain the telemetry buffer, let
	// in-flight compensations finish.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Start(runCtx)

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if derr := writer.Close(drainCtx); derr != nil {
		logger.Error(drainCtx, "telemetry drain incomplete", map[string]interface{}{
			"error": derr.Error(),
		})
	}
	cancel()

	if err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// activeScopes lists the (tenant, env) pairs background jobs cover.
func activeScopes(ctx context.Context, sc *store.Client) ([]store.Scope, error) {
	tenants, err := sc.ListActiveTenants(ctx)
	if err != nil {
		return nil, err
	}
	scopes := make([]store.Scope, 0, len(tenants))
	for _, t := range tenants {
		scopes = append(scopes, store.Scope{TenantID: t.TenantID, Env: t.Env})
	}
	return scopes, nil
}

// forEachTenantScope runs fn for every active tenant scope. Background jobs
// iterate tenants instead of assuming a single one.
func forEachTenantScope(ctx context.Context, sc *store.Client, logger *logging.Logger,
	fn func(context.Context, store.Scope) error) error {
	scopes, err := activeScopes(ctx, sc)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if err := fn(ctx, scope); err != nil {
			logger.Error(ctx, "tenant job failed", map[string]interface{}{
				"tenant_id": scope.TenantID,
				"env":       scope.Env,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// kpiConfigFrom maps the service config onto the KPI engine's knobs.
func kpiConfigFrom(cfg *config.Config) kpi.Config {
	return kpi.Config{
		Weights: kpi.Weights{
			Reliability:     cfg.Trust.Weights.Reliability,
			PolicyAdherence: cfg.Trust.Weights.PolicyAdherence,
			Freshness:       cfg.Trust.Weights.Freshness,
			RiskExposure:    cfg.Trust.Weights.RiskExposure,
		},
		SyncFreshnessSLO: time.Duration(cfg.Trust.SyncSLOHours) * time.Hour,
		IncidentCostUSD:  cfg.Trust.IncidentCostUSD,
		ViolationCostUSD: cfg.Trust.ViolationCostUSD,
	}
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, mgr *config.Manager,
	sc *store.Client, pg *store.PG, flags *store.FlagCache, logger *logging.Logger,
	baseliner *anomaly.Baseliner, detector *anomaly.Detector,
	healer *selfheal.Controller, kpiEngine *kpi.Engine) {

	if pg != nil {
		rollups := telemetry.NewRollups(pg, logger)
		sched.Register("rollup-hourly", "5 * * * *", 10*time.Minute, rollups.RunHourly)
		sched.Register("rollup-daily", "15 0 * * *", 30*time.Minute, rollups.RunDaily)
	}

	sched.Register("anomaly-scan", "*/5 * * * *", 4*time.Minute, func(ctx context.Context) error {
		return forEachTenantScope(ctx, sc, logger, func(ctx context.Context, scope store.Scope) error {
			_, err := detector.Scan(ctx, scope)
			return err
		})
	})

	sched.Register("baseline-refresh", "45 1 * * *", 30*time.Minute, func(ctx context.Context) error {
		return forEachTenantScope(ctx, sc, logger, baseliner.Refresh)
	})

	sched.Register("kpi-snapshot", "0 * * * *", 10*time.Minute, func(ctx context.Context) error {
		return forEachTenantScope(ctx, sc, logger, func(ctx context.Context, scope store.Scope) error {
			// Tenants can override trust weights and cost assumptions.
			_, err := kpiEngine.ForTenant(kpiConfigFrom(mgr.Get(scope.TenantID))).Snapshot(ctx, scope)
			return err
		})
	})

	if cfg.SelfHeal.Enabled {
		sched.Register("self-healing", "30 * * * *", 20*time.Minute, func(ctx context.Context) error {
			return forEachTenantScope(ctx, sc, logger, func(ctx context.Context, scope store.Scope) error {
				// Operators pause a tenant's remediation with a flag flip; no
				// restart needed.
				if snap, err := flags.Snapshot(ctx, scope); err == nil && snap.Enabled("self_healing_paused") {
					return nil
				}
				_, err := healer.Scan(ctx, scope)
				return err
			})
		})
	}

	sched.Register("dlq-prune", "0 3 * * *", 10*time.Minute, func(ctx context.Context) error {
		return sc.PruneDLQBefore(ctx, time.Now().Add(-store.DLQRetention))
	})
}
