package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trustplane/backend/internal/faults"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("insert event", nil))

	dup := classify("insert event", errors.New(`pq: duplicate key value violates unique constraint "uq_events_idem"`))
	assert.Equal(t, faults.KindConflict, faults.KindOf(dup))
	assert.Equal(t, "unique_violation", faults.CodeOf(dup))

	down := classify("list agents", errors.New("dial tcp 10.0.0.1:5432: connection refused"))
	assert.Equal(t, faults.KindTransient, faults.KindOf(down))
	assert.True(t, faults.Retryable(down))

	other := classify("update workflow", errors.New(`pq: null value in column "tenant_id"`))
	assert.Equal(t, faults.KindInternal, faults.KindOf(other))
	assert.False(t, faults.Retryable(other))
}

func TestTypedErrorBuilders(t *testing.T) {
	nf := ErrNotFound("agent", "a-1")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(nf))
	assert.Contains(t, nf.Error(), "agent not found: a-1")

	cf := ErrConflict("event", "idempotency key already used")
	assert.Equal(t, faults.KindConflict, faults.KindOf(cf))
}
