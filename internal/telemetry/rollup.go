package telemetry

import (
	"context"
	"time"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

// Rollups runs the periodic aggregation jobs over the raw telemetry. Both
// jobs upsert on the period key, so re-running a period rewrites the same
// rows instead of duplicating them.
type Rollups struct {
	pg     *store.PG
	logger *logging.Logger
}

// NewRollups creates the rollup job holder.
func NewRollups(pg *store.PG, logger *logging.Logger) *Rollups {
	return &Rollups{pg: pg, logger: logger}
}

// RunHourly aggregates the previous clock hour. Scheduled at HH:05 so the
// hour being aggregated is fully closed.
func (r *Rollups) RunHourly(ctx context.Context) error {
	hour := time.Now().UTC().Add(-time.Hour).Truncate(time.Hour)
	rows, err := r.pg.RollupHour(ctx, hour)
	if err != nil {
		r.logger.Error(ctx, "hourly rollup failed", map[string]interface{}{
			"hour_start": store.TS(hour),
			"error":      err.Error(),
		})
		return err
	}
	r.logger.Info(ctx, "hourly rollup complete", map[string]interface{}{
		"hour_start": store.TS(hour),
		"rows":       rows,
	})
	return nil
}

// RunDaily folds yesterday's hourly rows into daily aggregates and then
// refreshes the KPI materialized views. Scheduled at 00:15 UTC.
func (r *Rollups) RunDaily(ctx context.Context) error {
	day := time.Now().UTC().Add(-24 * time.Hour).Truncate(24 * time.Hour)
	rows, err := r.pg.RollupDay(ctx, day)
	if err != nil {
		r.logger.Error(ctx, "daily rollup failed", map[string]interface{}{
			"day_start": store.TS(day),
			"error":     err.Error(),
		})
		return err
	}
	if err := r.pg.RefreshMaterializedViews(ctx); err != nil {
		r.logger.Error(ctx, "materialized view refresh failed", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	r.logger.Info(ctx, "daily rollup complete", map[string]interface{}{
		"day_start": store.TS(day),
		"rows":      rows,
	})
	return nil
}
