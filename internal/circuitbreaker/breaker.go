// Package circuitbreaker guards calls to downstream targets (adapter
// handlers, external registries) with a per-target state machine and an
// exponential retry helper. Breaker state is per-process; workers act as
// bulkheads so no cross-process coordination is needed.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without invoking the target while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds per-target breaker tuning.
type Config struct {
	// Target names the protected downstream.
	Target string

	// FailureThreshold: consecutive failures within the window that trip
	// the breaker. Default 5.
	FailureThreshold int

	// Window is the closed-state period over which failures accumulate
	// before counts reset. Default 60s.
	Window time.Duration

	// RecoveryTimeout is how long the breaker stays open before the next
	// call probes in half-open. Default 60s.
	RecoveryTimeout time.Duration

	// SuccessThreshold: successes in half-open required to close. Default 1.
	SuccessThreshold int

	// OnStateChange is invoked on every transition.
	OnStateChange func(target string, from, to State)
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a per-target circuit breaker. It starts closed, opens after
// FailureThreshold consecutive failures within the window, stays open for
// RecoveryTimeout, then probes half-open; SuccessThreshold successes close
// it again and any half-open failure reopens it with a fresh timer.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	openedAt   time.Time
}

// New creates a breaker for the named target.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Target returns the protected downstream name.
func (b *Breaker) Target() string { return b.cfg.Target }

// State returns the current state, resolving open→half-open expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// OpenedAt reports when the breaker last opened; zero when never opened.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Execute runs fn behind the breaker. While open it fails immediately with
// ErrCircuitOpen and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(gen, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.afterRequest(gen, err == nil)
	return err
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if state == StateOpen {
		return gen, ErrCircuitOpen
	}
	return gen, nil
}

func (b *Breaker) afterRequest(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		// Result from a previous generation; the breaker has already moved on.
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if int(b.counts.ConsecutiveSuccesses) >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if int(b.counts.ConsecutiveFailures) >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.openedAt = now
	}
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Target, prev, state)
	} else {
		log.Printf("[BREAKER:%s] %s -> %s", b.cfg.Target, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Window)
	case StateOpen:
		b.expiry = now.Add(b.cfg.RecoveryTimeout)
	default:
		b.expiry = time.Time{}
	}
}

// Registry hands out one breaker per target, creating on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry with shared default tuning.
func NewRegistry(defaults Config) *Registry {
	defaults.applyDefaults()
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a target, creating it if needed.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Target = target
	b = New(cfg)
	r.breakers[target] = b
	return b
}

// Snapshot returns the state of every registered breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for target, b := range r.breakers {
		out[target] = b.State()
	}
	return out
}

// OpenTargets lists targets whose breaker has been open longer than maxAge.
func (r *Registry) OpenTargets(maxAge time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stuck []string
	now := time.Now()
	for target, b := range r.breakers {
		if b.State() == StateOpen && now.Sub(b.OpenedAt()) > maxAge {
			stuck = append(stuck, target)
		}
	}
	return stuck
}
