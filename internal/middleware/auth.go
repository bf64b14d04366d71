// Package middleware carries the HTTP cross-cutting concerns: tenant
// authentication, rate limiting, IP blocking, CORS, and request metrics.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

type ctxKey int

const scopeKey ctxKey = iota

// WithScope injects the authenticated tenant scope into the context.
func WithScope(ctx context.Context, scope store.Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// ScopeFrom extracts the authenticated scope; ok is false for requests that
// did not pass tenant auth.
func ScopeFrom(ctx context.Context) (store.Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(store.Scope)
	return scope, ok
}

// TenantAuth authenticates management requests with an API key of the form
// "tp_<key_id>_<secret>" presented as a Bearer token. The secret is checked
// against the stored bcrypt hash; the key's tenant and env become the
// request scope. The API key is the only accepted credential here: tenant
// headers alone never grant scope on management routes.
func TenantAuth(sc *store.Client, logger *logging.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer tp_") {
			http.Error(w, `{"code":"unauthorized","message":"missing tenant credentials"}`, http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		key, err := validateAPIKey(ctx, sc, token)
		if err != nil {
			logger.Warn(ctx, "api key rejected", map[string]interface{}{
				"remote": r.RemoteAddr,
			})
			http.Error(w, `{"code":"unauthorized","message":"invalid API key"}`, http.StatusUnauthorized)
			return
		}
		scope := store.Scope{TenantID: key.TenantID, Env: key.Env}
		go sc.TouchAPIKey(context.Background(), key.KeyID)

		next(w, r.WithContext(WithScope(ctx, scope)))
	}
}

// WebhookScope resolves the tenant scope for the webhook ingestion path
// only. The caller's identity is proven downstream by the HMAC signature
// over the body; this middleware merely routes the request to the tenant
// named in X-Tenant-ID/X-Env, after confirming the tenant exists. An API
// key, when presented, takes precedence over the headers.
func WebhookScope(sc *store.Client, logger *logging.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var scope store.Scope

		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer tp_") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			key, err := validateAPIKey(ctx, sc, token)
			if err != nil {
				http.Error(w, `{"code":"unauthorized","message":"invalid API key"}`, http.StatusUnauthorized)
				return
			}
			scope = store.Scope{TenantID: key.TenantID, Env: key.Env}
			go sc.TouchAPIKey(context.Background(), key.KeyID)
		}

		if scope.TenantID == "" {
			if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
				tenant, err := sc.GetTenant(ctx, tenantID)
				if err != nil || tenant == nil {
					http.Error(w, `{"code":"unauthorized","message":"unknown tenant"}`, http.StatusUnauthorized)
					return
				}
				env := r.Header.Get("X-Env")
				if env == "" {
					env = tenant.Env
				}
				scope = store.Scope{TenantID: tenant.TenantID, Env: env}
			}
		}

		if scope.TenantID == "" || scope.Env == "" {
			http.Error(w, `{"code":"unauthorized","message":"missing tenant credentials"}`, http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithScope(ctx, scope)))
	}
}

// validateAPIKey splits "tp_<key_id>_<secret>", loads the key row, and
// compares the secret against its bcrypt hash.
func validateAPIKey(ctx context.Context, sc *store.Client, token string) (*store.APIKey, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != "tp" {
		return nil, errInvalidKey
	}
	keyID, secret := parts[1], parts[2]

	key, err := sc.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, errInvalidKey
	}
	if key.ExpiresAt != nil {
		if exp, ok := store.ParseTS(*key.ExpiresAt); ok && timeNow().After(exp) {
			return nil, errInvalidKey
		}
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, errInvalidKey
	}
	return key, nil
}
