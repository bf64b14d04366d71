// Package config resolves the service configuration from environment
// variables with an optional YAML overlay, plus per-tenant overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Trust    TrustConfig    `yaml:"trust"`
	SelfHeal SelfHealConfig `yaml:"self_heal"`
	Policy   PolicyConfig   `yaml:"policy"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Limits   LimitsConfig   `yaml:"limits"`
}

type ServerConfig struct {
	Port       string   `yaml:"port"`
	Host       string   `yaml:"host"`
	Env        string   `yaml:"env"`
	CORSOrigin []string `yaml:"cors_origin"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url"`
	SupabaseURL   string `yaml:"supabase_url"`
	SupabaseKey   string `yaml:"supabase_key"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TrustConfig struct {
	Weights          TrustWeights `yaml:"weights"`
	SyncSLOHours     int          `yaml:"sync_freshness_slo_hours"`
	IncidentCostUSD  float64      `yaml:"risk_baseline_cost_usd"`
	ViolationCostUSD float64      `yaml:"violation_cost_usd"`
}

type TrustWeights struct {
	Reliability     float64 `yaml:"reliability"`
	PolicyAdherence float64 `yaml:"policy_adherence"`
	Freshness       float64 `yaml:"freshness"`
	RiskExposure    float64 `yaml:"risk_exposure"`
}

type SelfHealConfig struct {
	Enabled          bool `yaml:"enabled"`
	StalenessHours   int  `yaml:"staleness_hours"`
	StuckTimeoutMins int  `yaml:"stuck_timeout_minutes"`
}

type PolicyConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type SecretsConfig struct {
	Provider string `yaml:"provider"` // env | kms | vault
}

type LimitsConfig struct {
	GlobalPerWindow int           `yaml:"global_per_window"` // default 1000
	GlobalWindow    time.Duration `yaml:"global_window"`     // default 15m
	APIKeys         []string      `yaml:"api_keys"`
	BlockedIPs      []string      `yaml:"blocked_ips"`
}

// FromEnv builds the configuration from the recognized environment
// variables, then applies defaults.
func FromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:       os.Getenv("PORT"),
			Host:       os.Getenv("API_HOST"),
			Env:        os.Getenv("APP_ENV"),
			CORSOrigin: splitCSV(os.Getenv("CORS_ORIGIN")),
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			SupabaseURL:   os.Getenv("SUPABASE_URL"),
			SupabaseKey:   os.Getenv("SUPABASE_SERVICE_KEY"),
			MigrationsDir: os.Getenv("MIGRATIONS_DIR"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Trust: TrustConfig{
			SyncSLOHours:    envInt("SYNC_FRESHNESS_SLO_HOURS", 0),
			IncidentCostUSD: envFloat("RISK_BASELINE_COST_USD", 0),
		},
		SelfHeal: SelfHealConfig{
			Enabled: envBool("ENABLE_SELF_HEALING"),
		},
		Policy: PolicyConfig{
			RateLimitPerMinute: envInt("POLICY_RATE_LIMIT_PER_MINUTE", 0),
		},
		Secrets: SecretsConfig{
			Provider: os.Getenv("SECRETS_PROVIDER"),
		},
		Limits: LimitsConfig{
			APIKeys:    splitCSV(os.Getenv("API_KEYS")),
			BlockedIPs: splitCSV(os.Getenv("BLOCKED_IPS")),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML file over the env-derived config. Missing file is not
// an error; env alone is a complete configuration.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "3000"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Env == "" {
		c.Server.Env = "dev"
	}
	if c.Trust.SyncSLOHours <= 0 {
		c.Trust.SyncSLOHours = 24
	}
	if c.Trust.IncidentCostUSD <= 0 {
		c.Trust.IncidentCostUSD = 10000
	}
	if c.Trust.ViolationCostUSD <= 0 {
		c.Trust.ViolationCostUSD = 500
	}
	zero := TrustWeights{}
	if c.Trust.Weights == zero {
		c.Trust.Weights = TrustWeights{
			Reliability:     0.3,
			PolicyAdherence: 0.3,
			Freshness:       0.2,
			RiskExposure:    0.2,
		}
	}
	if c.SelfHeal.StalenessHours <= 0 {
		c.SelfHeal.StalenessHours = 24
	}
	if c.SelfHeal.StuckTimeoutMins <= 0 {
		c.SelfHeal.StuckTimeoutMins = 120
	}
	if c.Policy.RateLimitPerMinute <= 0 {
		c.Policy.RateLimitPerMinute = 60
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
	if c.Limits.GlobalPerWindow <= 0 {
		c.Limits.GlobalPerWindow = 1000
	}
	if c.Limits.GlobalWindow <= 0 {
		c.Limits.GlobalWindow = 15 * time.Minute
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "migrations"
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
