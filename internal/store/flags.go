package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// FlagTTL is how long a resolved flag snapshot stays fresh.
const FlagTTL = 5 * time.Minute

// FlagSnapshot is the server-resolved feature-flag view handed to clients
// and consulted by internal components. Clients never query the flag table
// directly.
type FlagSnapshot struct {
	ResolvedAt time.Time                  `json:"resolved_at"`
	Flags      map[string]bool            `json:"flags"`
	Configs    map[string]json.RawMessage `json:"configs,omitempty"`
}

// Enabled reports a flag's state; unknown flags are off.
func (s *FlagSnapshot) Enabled(name string) bool {
	if s == nil {
		return false
	}
	return s.Flags[name]
}

// FlagCache resolves and caches per-scope flag snapshots with a TTL, so a
// flag flip propagates within FlagTTL without a read per request.
type FlagCache struct {
	client *Client

	mu      sync.RWMutex
	entries map[Scope]*FlagSnapshot
}

// NewFlagCache creates a cache over the store client.
func NewFlagCache(client *Client) *FlagCache {
	return &FlagCache{
		client:  client,
		entries: make(map[Scope]*FlagSnapshot),
	}
}

// Snapshot returns a fresh-enough snapshot for the scope, re-resolving from
// the store when the cached one has expired. A resolution failure falls back
// to the stale snapshot when one exists.
func (fc *FlagCache) Snapshot(ctx context.Context, scope Scope) (*FlagSnapshot, error) {
	fc.mu.RLock()
	cached, ok := fc.entries[scope]
	fc.mu.RUnlock()
	if ok && time.Since(cached.ResolvedAt) < FlagTTL {
		return cached, nil
	}

	rows, err := fc.client.ListConfigFlags(ctx, scope)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	snap := &FlagSnapshot{
		ResolvedAt: time.Now(),
		Flags:      make(map[string]bool, len(rows)),
		Configs:    make(map[string]json.RawMessage),
	}
	for _, row := range rows {
		snap.Flags[row.FlagName] = row.Enabled
		if len(row.Config) > 0 {
			snap.Configs[row.FlagName] = row.Config
		}
	}

	fc.mu.Lock()
	fc.entries[scope] = snap
	fc.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for a scope.
func (fc *FlagCache) Invalidate(scope Scope) {
	fc.mu.Lock()
	delete(fc.entries, scope)
	fc.mu.Unlock()
}
