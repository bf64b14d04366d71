// Package secrets provides a uniform accessor over the configured secret
// provider (env, KMS, vault) with a TTL cache and per-key audit counters.
package secrets

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/trustplane/backend/internal/faults"
)

// DefaultCacheTTL is how long a successful fetch stays cached.
const DefaultCacheTTL = 5 * time.Minute

// Provider fetches a secret from a backing system. ok=false means the key
// does not exist; err means the backend failed.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, key string) (value string, ok bool, err error)
}

// EnvProvider resolves secrets from process environment variables.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Fetch(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(key)
	return v, ok, nil
}

// StaticProvider serves a fixed map; used by tests and local seeds.
type StaticProvider struct {
	Values map[string]string
}

func (StaticProvider) Name() string { return "static" }

func (p StaticProvider) Fetch(_ context.Context, key string) (string, bool, error) {
	v, ok := p.Values[key]
	return v, ok, nil
}

// FileProvider resolves secrets from files under a mount directory, the
// delivery path used by vault agents and KMS sidecars. The key maps to a
// lowercased filename.
type FileProvider struct {
	Dir string
}

func (FileProvider) Name() string { return "file" }

func (p FileProvider) Fetch(_ context.Context, key string) (string, bool, error) {
	path := p.Dir + "/" + strings.ToLower(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// DefaultSecretsMount is where sidecar-delivered secrets appear.
const DefaultSecretsMount = "/var/run/secrets/trustplane"

// ProviderFor maps the configured provider name to an implementation.
// "kms" and "vault" both deliver through a sidecar file mount; anything
// else resolves from the environment.
func ProviderFor(name string) Provider {
	switch name {
	case "kms", "vault":
		return FileProvider{Dir: DefaultSecretsMount}
	default:
		return EnvProvider{}
	}
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Bridge is the process-wide secrets accessor. Lookup order is the
// configured provider first, then the environment. Successful fetches are
// cached for TTL; every access increments an in-memory audit counter.
type Bridge struct {
	mu       sync.RWMutex
	provider Provider
	fallback Provider
	cache    map[string]cacheEntry
	accesses map[string]int64
	ttl      time.Duration
}

// NewBridge creates a bridge over the given provider. A nil provider means
// environment-only resolution.
func NewBridge(provider Provider, ttl time.Duration) *Bridge {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if provider == nil {
		provider = EnvProvider{}
	}
	return &Bridge{
		provider: provider,
		fallback: EnvProvider{},
		cache:    make(map[string]cacheEntry),
		accesses: make(map[string]int64),
		ttl:      ttl,
	}
}

// Get resolves a secret or fails with a non-retryable configuration error.
func (b *Bridge) Get(ctx context.Context, key string) (string, error) {
	v, ok, err := b.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", faults.New(faults.KindConfiguration, "secret_missing", "secret not configured: "+key)
	}
	return v, nil
}

// GetDefault resolves a secret, returning def when it is absent. Backend
// failures also fall back to the default: a degraded provider must not take
// down flows that declared a fallback.
func (b *Bridge) GetDefault(ctx context.Context, key, def string) string {
	v, ok, err := b.lookup(ctx, key)
	if err != nil || !ok {
		return def
	}
	return v
}

func (b *Bridge) lookup(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	b.accesses[key]++
	entry, cached := b.cache[key]
	b.mu.Unlock()

	if cached && time.Now().Before(entry.expiresAt) {
		return entry.value, true, nil
	}

	v, ok, err := b.provider.Fetch(ctx, key)
	if err != nil {
		return "", false, faults.Wrap(faults.KindTransient, "secrets_backend", "secret provider failed", err)
	}
	if !ok && b.provider.Name() != b.fallback.Name() {
		v, ok, _ = b.fallback.Fetch(ctx, key)
	}
	if !ok {
		return "", false, nil
	}

	b.mu.Lock()
	b.cache[key] = cacheEntry{value: v, expiresAt: time.Now().Add(b.ttl)}
	b.mu.Unlock()
	return v, true, nil
}

// AccessCounts returns a copy of the per-key audit counters.
func (b *Bridge) AccessCounts() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.accesses))
	for k, v := range b.accesses {
		out[k] = v
	}
	return out
}

// Invalidate drops a cached value, forcing the next access to re-fetch.
func (b *Bridge) Invalidate(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, key)
}
