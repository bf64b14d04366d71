package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant overrides keyed by tenant id.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective configuration per tenant: global config
// with tenant overrides merged on top.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads the global config and an optional tenants file.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: global, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  global,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Global returns the tenant-independent configuration.
func (m *Manager) Global() *Config {
	return m.globalConfig
}

// Get returns the effective config for a tenant, merging overrides on top
// of the global config. Only the fields a tenant may override are merged.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantID]; ok {
		zero := TrustWeights{}
		if override.Trust.Weights != zero {
			effective.Trust.Weights = override.Trust.Weights
		}
		if override.Trust.SyncSLOHours != 0 {
			effective.Trust.SyncSLOHours = override.Trust.SyncSLOHours
		}
		if override.Trust.IncidentCostUSD != 0 {
			effective.Trust.IncidentCostUSD = override.Trust.IncidentCostUSD
		}
		if override.Policy.RateLimitPerMinute != 0 {
			effective.Policy.RateLimitPerMinute = override.Policy.RateLimitPerMinute
		}
		if override.SelfHeal.StalenessHours != 0 {
			effective.SelfHeal = override.SelfHeal
		}
	}

	return &effective
}
