package selfheal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/store"
)

func TestEligibleForResubmit(t *testing.T) {
	entries := []store.DLQEntry{
		{EntryID: "fresh", Source: "zapier", Attempts: 1, CorrelationID: "corr-1"},
		{EntryID: "at-limit", Source: "n8n", Attempts: 3, CorrelationID: "corr-2"},
		{EntryID: "exhausted", Source: "make", Attempts: 4, CorrelationID: "corr-3"},
		{EntryID: "own-ticket", Source: "airflow", Attempts: 0, CorrelationID: "selfheal-wf-9"},
	}

	picked := eligibleForResubmit(entries, 3)
	require.Len(t, picked, 2)
	assert.Equal(t, "fresh", picked[0].EntryID)
	assert.Equal(t, "at-limit", picked[1].EntryID)
}

func TestEligibleForResubmitEmpty(t *testing.T) {
	assert.Empty(t, eligibleForResubmit(nil, 3))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, 3, cfg.MaxResubmits)
	assert.Equal(t, 0.99, cfg.DecayRate)
	assert.Equal(t, 0.1, cfg.FloorTrust)
}
