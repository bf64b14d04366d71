package store

import (
	"strings"

	"github.com/trustplane/backend/internal/faults"
)

// The store distinguishes NotFound, Conflict (optimistic concurrency or
// unique-index collision), Transient (connection loss), and PolicyViolation
// at its boundary. Callers retry only Transient.

// ErrNotFound builds a typed not-found error for an entity.
func ErrNotFound(entity, id string) error {
	return faults.New(faults.KindNotFound, entity+"_not_found", entity+" not found: "+id)
}

// ErrConflict builds a typed conflict error.
func ErrConflict(entity, detail string) error {
	return faults.New(faults.KindConflict, entity+"_conflict", detail)
}

// classify wraps a raw driver/postgrest error into the store taxonomy.
// Unique-index violations surface as Conflict so idempotent writers can
// fall back to reading the winning row; everything else that looks like a
// connectivity problem is Transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "23505"):
		return faults.Wrap(faults.KindConflict, "unique_violation", op+": duplicate row", err)
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "context deadline exceeded"):
		return faults.Wrap(faults.KindTransient, "store_unavailable", op+": backend unreachable", err)
	default:
		return faults.Wrap(faults.KindInternal, "store_error", op+" failed", err)
	}
}
