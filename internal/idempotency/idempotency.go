// Package idempotency gives replayed requests at-most-once effect: a key is
// derived deterministically from canonical request material, checked before
// side effects, and the stored result is returned verbatim on a hit. Records
// live in the context store with a Redis hot cache in front.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustplane/backend/internal/logging"
	"github.com/trustplane/backend/internal/store"
)

const (
	// DefaultTTL applies to webhook requests.
	DefaultTTL = 24 * time.Hour

	// BatchTTL applies to batch-job results, which replay over longer spans.
	BatchTTL = 7 * 24 * time.Hour
)

// DeriveKey builds the canonical key for a request that did not supply one:
// SHA-256 over source, workflow id, execution id, and the payload hash. The
// same request material always derives the same key.
func DeriveKey(source, workflowID, executionID string, body []byte) string {
	payloadHash := sha256.Sum256(body)
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write(payloadHash[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Service checks and stores idempotency records.
type Service struct {
	store  *store.Client
	redis  *redis.Client
	logger *logging.Logger
}

// NewService creates the service. The Redis client is optional; without it
// every check goes straight to the store.
func NewService(sc *store.Client, rdb *redis.Client, logger *logging.Logger) *Service {
	return &Service{store: sc, redis: rdb, logger: logger}
}

func cacheKey(scope store.Scope, key string) string {
	return "idem:" + scope.TenantID + ":" + scope.Env + ":" + key
}

// Check returns the stored record for a key, or nil when the key is unseen
// or expired. A hit means the caller MUST skip side effects and return the
// stored result. Cache failures degrade to the store, never to a miss that
// the store would contradict.
func (s *Service) Check(ctx context.Context, scope store.Scope, key string) (*store.IdempotencyRecord, error) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, cacheKey(scope, key)).Bytes()
		if err == nil {
			var rec store.IdempotencyRecord
			if json.Unmarshal(raw, &rec) == nil {
				return &rec, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn(ctx, "idempotency cache read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	rec, err := s.store.GetIdempotencyRecord(ctx, scope, key)
	if err != nil || rec == nil {
		return rec, err
	}

	if s.redis != nil {
		if raw, err := json.Marshal(rec); err == nil {
			ttl := DefaultTTL
			if exp, ok := store.ParseTS(rec.ExpiresAt); ok {
				if remaining := time.Until(exp); remaining > 0 {
					ttl = remaining
				}
			}
			s.redis.Set(ctx, cacheKey(scope, key), raw, ttl)
		}
	}
	return rec, nil
}

// Store persists the result under the key with the given TTL. The store row
// is the source of truth; the cache write is best-effort.
func (s *Service) Store(ctx context.Context, scope store.Scope, key string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec := &store.IdempotencyRecord{
		Key:       key,
		TenantID:  scope.TenantID,
		Env:       scope.Env,
		Result:    result,
		ExpiresAt: store.TS(time.Now().Add(ttl)),
	}
	if err := s.store.PutIdempotencyRecord(ctx, rec); err != nil {
		return err
	}

	if s.redis != nil {
		if raw, err := json.Marshal(rec); err == nil {
			if err := s.redis.Set(ctx, cacheKey(scope, key), raw, ttl).Err(); err != nil {
				s.logger.Warn(ctx, "idempotency cache write failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
	return nil
}
