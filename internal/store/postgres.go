package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/trustplane/backend/internal/faults"
)

// ============================================================================
// DIRECT POSTGRES PATH — rollups, materialized views, migrations, vectors
// ============================================================================

// PG is the direct SQL connection used where PostgREST is the wrong tool:
// aggregate rollups, REFRESH MATERIALIZED VIEW, schema migrations, and
// pgvector similarity search.
type PG struct {
	db *sql.DB
}

// NewPG opens a pooled connection to the database URL.
func NewPG(databaseURL string) (*PG, error) {
	if databaseURL == "" {
		return nil, faults.New(faults.KindConfiguration, "database_url", "DATABASE_URL must be set")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PG{db: db}, nil
}

// Ping verifies connectivity.
func (pg *PG) Ping(ctx context.Context) error {
	return classify("pg ping", pg.db.PingContext(ctx))
}

// Close releases the pool.
func (pg *PG) Close() error { return pg.db.Close() }

// ============================================================================
// ROLLUPS
// ============================================================================

// RollupHour aggregates the telemetry of one clock hour into hourly_rollups.
// The upsert keys on (tenant_id, env, service, hour_start) so re-running the
// same hour overwrites rather than duplicates.
func (pg *PG) RollupHour(ctx context.Context, hourStart time.Time) (int64, error) {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	const q = `
		INSERT INTO hourly_rollups
			(tenant_id, env, service, hour_start,
			 request_count, error_count, avg_latency_ms,
			 p50_latency_ms, p95_latency_ms, p99_latency_ms)
		SELECT
			tenant_id, env, agent_id, $1,
			COUNT(*),
			COALESCE(SUM(errors), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY latency_ms), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY latency_ms), 0),
			COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY latency_ms), 0)
		FROM telemetry
		WHERE ts >= $1 AND ts < $2
		GROUP BY tenant_id, env, agent_id
		ON CONFLICT (tenant_id, env, service, hour_start) DO UPDATE SET
			request_count  = EXCLUDED.request_count,
			error_count    = EXCLUDED.error_count,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms,
			p99_latency_ms = EXCLUDED.p99_latency_ms`

	res, err := pg.db.ExecContext(ctx, q, hourStart, hourEnd)
	if err != nil {
		return 0, classify("rollup hour", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RollupDay folds one UTC day of hourly rollups into daily_rollups, again
// upserting on the period key.
func (pg *PG) RollupDay(ctx context.Context, dayStart time.Time) (int64, error) {
	dayStart = dayStart.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	const q = `
		INSERT INTO daily_rollups
			(tenant_id, env, service, day_start,
			 request_count, error_count, avg_latency_ms,
			 p50_latency_ms, p95_latency_ms, p99_latency_ms)
		SELECT
			tenant_id, env, service, $1,
			COALESCE(SUM(request_count), 0),
			COALESCE(SUM(error_count), 0),
			CASE WHEN SUM(request_count) > 0
				THEN SUM(avg_latency_ms * request_count) / SUM(request_count)
				ELSE 0 END,
			COALESCE(AVG(p50_latency_ms), 0),
			COALESCE(MAX(p95_latency_ms), 0),
			COALESCE(MAX(p99_latency_ms), 0)
		FROM hourly_rollups
		WHERE hour_start >= $1 AND hour_start < $2
		GROUP BY tenant_id, env, service
		ON CONFLICT (tenant_id, env, service, day_start) DO UPDATE SET
			request_count  = EXCLUDED.request_count,
			error_count    = EXCLUDED.error_count,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms,
			p99_latency_ms = EXCLUDED.p99_latency_ms`

	res, err := pg.db.ExecContext(ctx, q, dayStart, dayEnd)
	if err != nil {
		return 0, classify("rollup day", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListHourlyRollups reads back hourly aggregates for a scope and window.
func (pg *PG) ListHourlyRollups(ctx context.Context, scope Scope, from, to time.Time) ([]HourlyRollup, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	const q = `
		SELECT tenant_id, env, service, hour_start,
		       request_count, error_count, avg_latency_ms,
		       p50_latency_ms, p95_latency_ms, p99_latency_ms
		FROM hourly_rollups
		WHERE tenant_id = $1 AND env = $2 AND hour_start >= $3 AND hour_start < $4
		ORDER BY hour_start`
	rows, err := pg.db.QueryContext(ctx, q, scope.TenantID, scope.Env, from.UTC(), to.UTC())
	if err != nil {
		return nil, classify("list hourly rollups", err)
	}
	defer rows.Close()

	var out []HourlyRollup
	for rows.Next() {
		var r HourlyRollup
		var hour time.Time
		if err := rows.Scan(&r.TenantID, &r.Env, &r.Service, &hour,
			&r.RequestCount, &r.ErrorCount, &r.AvgLatencyMs,
			&r.P50LatencyMs, &r.P95LatencyMs, &r.P99LatencyMs); err != nil {
			return nil, classify("scan hourly rollup", err)
		}
		r.HourStart = TS(hour)
		out = append(out, r)
	}
	return out, classify("list hourly rollups", rows.Err())
}

// RefreshMaterializedViews refreshes the KPI views the dashboard reads.
// CONCURRENTLY keeps readers unblocked; it requires the unique indexes the
// migrations create.
func (pg *PG) RefreshMaterializedViews(ctx context.Context) error {
	for _, view := range []string{"mv_kpis_hourly", "mv_kpis_daily"} {
		if _, err := pg.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+view); err != nil {
			return classify("refresh "+view, err)
		}
	}
	return nil
}

// ============================================================================
// MIGRATIONS
// ============================================================================

// Migrate applies every .sql file in dir, in lexical order, recording each
// in schema_migrations so reruns are no-ops.
func (pg *PG) Migrate(ctx context.Context, dir string) (int, error) {
	if _, err := pg.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, classify("init schema_migrations", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") && !strings.HasSuffix(e.Name(), ".down.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		var exists bool
		if err := pg.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists); err != nil {
			return applied, classify("check migration", err)
		}
		if exists {
			continue
		}

		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := pg.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, classify("begin migration", err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (name) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return applied, classify("record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return applied, classify("commit migration", err)
		}
		applied++
	}
	return applied, nil
}

// RollbackLast reverts the most recently applied migration using its
// .down.sql counterpart and removes its record. Migrations without a down
// file cannot be rolled back.
func (pg *PG) RollbackLast(ctx context.Context, dir string) (string, error) {
	var name string
	err := pg.db.QueryRowContext(ctx,
		"SELECT name FROM schema_migrations ORDER BY applied_at DESC LIMIT 1").Scan(&name)
	if err == sql.ErrNoRows {
		return "", faults.New(faults.KindNotFound, "no_migrations", "no applied migrations to roll back")
	}
	if err != nil {
		return "", classify("read last migration", err)
	}

	downPath := filepath.Join(dir, strings.TrimSuffix(name, ".sql")+".down.sql")
	body, err := os.ReadFile(downPath)
	if err != nil {
		return "", fmt.Errorf("no down migration for %s: %w", name, err)
	}

	tx, err := pg.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin rollback", err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("rollback of %s failed: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schema_migrations WHERE name = $1", name); err != nil {
		tx.Rollback()
		return "", classify("unrecord migration", err)
	}
	if err := tx.Commit(); err != nil {
		return "", classify("commit rollback", err)
	}
	return name, nil
}

// ============================================================================
// VECTOR SEARCH
// ============================================================================

// SimilarEvent is one pgvector search hit.
type SimilarEvent struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Distance  float64 `json:"distance"`
}

// SearchSimilarEvents runs a cosine-distance top-K over event embeddings,
// scoped to the tenant. A positive maxDistance drops hits farther than the
// threshold; zero keeps every neighbor.
func (pg *PG) SearchSimilarEvents(ctx context.Context, scope Scope, embedding []float32,
	k int, maxDistance float64) ([]SimilarEvent, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, faults.New(faults.KindValidation, "empty_embedding", "embedding vector is empty")
	}
	if k <= 0 {
		k = 10
	}
	if maxDistance < 0 {
		return nil, faults.New(faults.KindValidation, "invalid_distance",
			"max_distance must not be negative")
	}

	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%g", v)
	}
	vec := "[" + strings.Join(parts, ",") + "]"

	q := `
		SELECT event_id, event_type, embedding <=> $3::vector AS distance
		FROM event_embeddings
		WHERE tenant_id = $1 AND env = $2`
	args := []interface{}{scope.TenantID, scope.Env, vec, k}
	if maxDistance > 0 {
		q += ` AND embedding <=> $3::vector <= $5`
		args = append(args, maxDistance)
	}
	q += `
		ORDER BY embedding <=> $3::vector
		LIMIT $4`
	rows, err := pg.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("vector search", err)
	}
	defer rows.Close()

	var out []SimilarEvent
	for rows.Next() {
		var hit SimilarEvent
		if err := rows.Scan(&hit.EventID, &hit.EventType, &hit.Distance); err != nil {
			return nil, classify("scan vector hit", err)
		}
		out = append(out, hit)
	}
	return out, classify("vector search", rows.Err())
}
