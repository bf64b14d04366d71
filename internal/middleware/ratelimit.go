package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errInvalidKey = errors.New("invalid api key")

// timeNow is swapped in tests.
var timeNow = time.Now

// RateLimiter enforces the global per-IP budget (default 1000 requests per
// 15 minutes) and a per-API-key budget, both as token buckets. Buckets are
// per-process; workers act as bulkheads.
type RateLimiter struct {
	mu      sync.Mutex
	byIP    map[string]*rate.Limiter
	byKey   map[string]*rate.Limiter
	seen    map[string]time.Time
	ipRate  rate.Limit
	ipBurst int
	blocked map[string]bool

	stopCh chan struct{}
}

// NewRateLimiter creates the limiter. perWindow requests are allowed per
// window per IP; blockedIPs are rejected outright.
func NewRateLimiter(perWindow int, window time.Duration, blockedIPs []string) *RateLimiter {
	if perWindow <= 0 {
		perWindow = 1000
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	blocked := make(map[string]bool, len(blockedIPs))
	for _, ip := range blockedIPs {
		blocked[strings.TrimSpace(ip)] = true
	}

	rl := &RateLimiter{
		byIP:    make(map[string]*rate.Limiter),
		byKey:   make(map[string]*rate.Limiter),
		seen:    make(map[string]time.Time),
		ipRate:  rate.Limit(float64(perWindow) / window.Seconds()),
		ipBurst: perWindow,
		blocked: blocked,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() { close(rl.stopCh) }

// Wrap applies IP blocking and the global per-IP budget.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if rl.blocked[ip] {
			http.Error(w, `{"code":"forbidden","message":"blocked"}`, http.StatusForbidden)
			return
		}
		if !rl.allowIP(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"code":"rate_limited","message":"too many requests"}`, http.StatusTooManyRequests)
			return
		}

		// Per-key budget rides on the same limiter family, keyed by the
		// Authorization header when present.
		if auth := r.Header.Get("Authorization"); auth != "" {
			if !rl.allowKey(auth) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"code":"rate_limited","message":"api key over budget"}`, http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

func (rl *RateLimiter) allowIP(ip string) bool {
	rl.mu.Lock()
	lim, ok := rl.byIP[ip]
	if !ok {
		lim = rate.NewLimiter(rl.ipRate, rl.ipBurst)
		rl.byIP[ip] = lim
	}
	rl.seen["ip:"+ip] = time.Now()
	rl.mu.Unlock()
	return lim.Allow()
}

func (rl *RateLimiter) allowKey(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.byKey[key]
	if !ok {
		lim = rate.NewLimiter(rl.ipRate, rl.ipBurst)
		rl.byKey[key] = lim
	}
	rl.seen["key:"+key] = time.Now()
	rl.mu.Unlock()
	return lim.Allow()
}

// cleanupLoop drops buckets idle for over an hour.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			rl.mu.Lock()
			for k, last := range rl.seen {
				if last.Before(cutoff) {
					delete(rl.seen, k)
					if strings.HasPrefix(k, "ip:") {
						delete(rl.byIP, strings.TrimPrefix(k, "ip:"))
					} else {
						delete(rl.byKey, strings.TrimPrefix(k, "key:"))
					}
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
