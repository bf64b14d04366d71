package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/faults"
)

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, Scope{TenantID: "t1", Env: "prod"}.validate())

	err := Scope{TenantID: "t1"}.validate()
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	assert.Error(t, Scope{Env: "prod"}.validate())
	assert.Error(t, Scope{}.validate())
}

func TestTSRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	s := TS(at)
	assert.Equal(t, "2026-08-25T14:30:00Z", s)

	parsed, ok := ParseTS(s)
	require.True(t, ok)
	assert.True(t, parsed.Equal(at))
}

func TestParseTSPostgresForms(t *testing.T) {
	// Postgres emits fractional seconds and sometimes drops the zone.
	for _, s := range []string{
		"2026-08-25T14:30:00.123456Z",
		"2026-08-25T14:30:00.123456",
		"2026-08-25T14:30:00",
		"2026-08-25T14:30:00+00:00",
	} {
		parsed, ok := ParseTS(s)
		assert.True(t, ok, s)
		assert.Equal(t, 2026, parsed.Year(), s)
	}

	_, ok := ParseTS("yesterday")
	assert.False(t, ok)
	_, ok = ParseTS("")
	assert.False(t, ok)
}

func TestFlagSnapshotEnabled(t *testing.T) {
	var nilSnap *FlagSnapshot
	assert.False(t, nilSnap.Enabled("anything"))

	snap := &FlagSnapshot{Flags: map[string]bool{"self_healing": true, "beta_export": false}}
	assert.True(t, snap.Enabled("self_healing"))
	assert.False(t, snap.Enabled("beta_export"))
	assert.False(t, snap.Enabled("unknown"))
}

func TestTSIsAlwaysUTC(t *testing.T) {
	loc := time.FixedZone("plus5", 5*3600)
	at := time.Date(2026, 8, 25, 10, 0, 0, 0, loc)
	assert.Equal(t, "2026-08-25T05:00:00Z", TS(at))
}
