package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/trustplane/backend/internal/adapters"
	"github.com/trustplane/backend/internal/config"
	"github.com/trustplane/backend/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = cmdMigrate(ctx, cfg)
	case "rollback":
		err = cmdRollback(ctx, cfg)
	case "seed":
		err = cmdSeed(ctx, cfg)
	case "e2e":
		err = cmdE2E(ctx)
	case "version":
		fmt.Printf("trustplane v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`TrustPlane CLI v` + version + `

Usage: trustplane <command>

Commands:
  migrate   Apply pending SQL migrations
  rollback  Revert the most recent migration
  seed      Create a demo tenant, agent, workflow and API key
  e2e       Send a signed webhook through a running gateway
  version   Print version
  help      Show this help

Environment:
  DATABASE_URL           Postgres DSN (migrate, rollback)
  SUPABASE_URL/KEY       Context store credentials (seed)
  TRUSTPLANE_GATEWAY_URL Gateway URL for e2e (default: http://localhost:3000)
  ZAPIER_WEBHOOK_SECRET  Signing secret for e2e`)
}

// ----------------------------------------------------------------
// migrate / rollback
// ----------------------------------------------------------------

func cmdMigrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	pg, err := store.NewPG(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	applied, err := pg.Migrate(ctx, cfg.Database.MigrationsDir)
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d migration(s)\n", applied)
	return nil
}

func cmdRollback(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	pg, err := store.NewPG(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	name, err := pg.RollbackLast(ctx, cfg.Database.MigrationsDir)
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back %s\n", name)
	return nil
}

// ----------------------------------------------------------------
// seed
// ----------------------------------------------------------------

// cmdSeed creates a demo tenant with one agent, one workflow and a fresh
// API key. The key secret is printed once and never stored in plaintext.
func cmdSeed(ctx context.Context, cfg *config.Config) error {
	sc, err := store.NewClient(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	if err != nil {
		return err
	}

	tenantID := envOr("SEED_TENANT_ID", "demo")
	env := envOr("SEED_ENV", "dev")
	scope := store.Scope{TenantID: tenantID, Env: env}

	if err := sc.UpsertTenant(ctx, &store.Tenant{
		TenantID: tenantID,
		Name:     "Demo Tenant",
		Env:      env,
		Status:   "active",
	}); err != nil {
		return err
	}

	if err := sc.UpsertAgent(ctx, &store.Agent{
		AgentID:    "agent-demo-1",
		TenantID:   tenantID,
		Env:        env,
		AgentType:  "assistant",
		Vendor:     "openai",
		Model:      "gpt-4o",
		Status:     store.AgentActive,
		TrustLevel: 0.8,
		Owners:     []string{"platform@demo.example"},
	}); err != nil {
		return err
	}

	if err := sc.UpsertWorkflow(ctx, &store.Workflow{
		WorkflowID: "wf-demo-1",
		TenantID:   tenantID,
		Env:        env,
		Source:     store.SourceZapier,
		Trigger:    "new_lead",
		Status:     "active",
	}); err != nil {
		return err
	}

	secret, err := randomHex(24)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	keyID := uuid.New().String()[:8]
	if err := sc.UpsertAPIKey(ctx, &store.APIKey{
		KeyID:    keyID,
		TenantID: tenantID,
		Env:      env,
		Name:     "seed",
		KeyHash:  string(hash),
		IsActive: true,
	}); err != nil {
		return err
	}

	fmt.Printf("Seeded tenant %s (%s)\n", scope.TenantID, scope.Env)
	fmt.Printf("API key (save it, it is not shown again): tp_%s_%s\n", keyID, secret)
	return nil
}

// ----------------------------------------------------------------
// e2e
// ----------------------------------------------------------------

// cmdE2E round-trips a signed webhook through a running gateway: first
// delivery must be accepted, an identical replay must come back as a
// duplicate with the same event id.
func cmdE2E(ctx context.Context) error {
	gateway := envOr("TRUSTPLANE_GATEWAY_URL", "http://localhost:3000")
	secret := os.Getenv("ZAPIER_WEBHOOK_SECRET")
	if secret == "" {
		return fmt.Errorf("ZAPIER_WEBHOOK_SECRET is not set")
	}
	tenantID := envOr("SEED_TENANT_ID", "demo")
	env := envOr("SEED_ENV", "dev")

	body, _ := json.Marshal(map[string]interface{}{
		"zap_id":     "wf-demo-1",
		"id":         uuid.New().String(),
		"event":      "new_lead",
		"agent_id":   "agent-demo-1",
		"event_type": "action",
		"data":       map[string]interface{}{"prompt": "Summarize the new lead for the sales channel."},
	})

	idemKey := uuid.New().String()
	send := func() (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			gateway+"/adapters/zapier/webhook", bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(adapters.HeaderSignature, adapters.Sign(secret, body))
		req.Header.Set(adapters.HeaderTimestamp, fmt.Sprintf("%d", time.Now().UnixMilli()))
		req.Header.Set(adapters.HeaderIdempotencyKey, idemKey)
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set("X-Env", env)
		req.Header.Set("X-User-ID", "cli-e2e")
		req.Header.Set("X-User-Role", "admin")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return resp, out, err
	}

	resp, out, err := send()
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("first delivery: expected 202, got %d: %s", resp.StatusCode, out)
	}
	var first struct {
		EventID string `json:"event_id"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal(out, &first); err != nil {
		return fmt.Errorf("first delivery: bad response body: %w", err)
	}
	fmt.Printf("Delivered event %s (%s)\n", first.EventID, first.State)

	resp, out, err = send()
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replay: expected 200, got %d: %s", resp.StatusCode, out)
	}
	var second struct {
		EventID  string `json:"event_id"`
		Replayed bool   `json:"replayed"`
	}
	if err := json.Unmarshal(out, &second); err != nil {
		return fmt.Errorf("replay: bad response body: %w", err)
	}
	if !second.Replayed || second.EventID != first.EventID {
		return fmt.Errorf("replay: expected duplicate of %s, got %s (replayed=%v)",
			first.EventID, second.EventID, second.Replayed)
	}
	fmt.Println("Replay deduplicated, e2e OK")
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
