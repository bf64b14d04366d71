package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/faults"
)

// The vector search validates its inputs before touching the database, so a
// zero PG is enough to pin the rejection paths.
func TestSearchSimilarEventsValidation(t *testing.T) {
	pg := &PG{}
	scope := Scope{TenantID: "t1", Env: "prod"}

	_, err := pg.SearchSimilarEvents(context.Background(), Scope{}, []float32{0.1}, 5, 0)
	require.Error(t, err, "an empty scope is rejected")

	_, err = pg.SearchSimilarEvents(context.Background(), scope, nil, 5, 0)
	require.Error(t, err)
	assert.Equal(t, "empty_embedding", faults.CodeOf(err))

	_, err = pg.SearchSimilarEvents(context.Background(), scope, []float32{0.1, 0.2}, 5, -0.5)
	require.Error(t, err)
	assert.Equal(t, "invalid_distance", faults.CodeOf(err))
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
