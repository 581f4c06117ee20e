// Package breaker isolates failing guards behind per-guard circuit breakers.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/triage-ai/rampart/internal/metrics"
	"go.uber.org/zap"
)

// State is a circuit's position in the closed → open → half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls when circuits open and how they recover.
type Config struct {
	FailureThreshold int           // consecutive-ish failures before opening (default 5)
	RecoveryTimeout  time.Duration // time open before a trial is allowed (default 30s)
	HalfOpenRequests int           // successful trials needed to close (default 3)
}

// DefaultConfig returns the standard breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Snapshot is a copy of one guard's circuit state.
type Snapshot struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

type circuit struct {
	mu      sync.Mutex
	snap    Snapshot
	version uint64 // bumped on every transition, under mu

	// pubMu serializes mirror writes; published is the newest version
	// already written (or attempted).
	pubMu     sync.Mutex
	published uint64
}

// Breaker tracks one circuit per guard name. Each circuit has its own lock,
// so guards never contend with each other on the hot path.
type Breaker struct {
	cfg     Config
	entries sync.Map // map[string]*circuit
	now     func() time.Time
	mirror  Mirror
	logger  *zap.Logger
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithMirror backs circuit state with a shared store.
func WithMirror(m Mirror) Option {
	return func(b *Breaker) { b.mirror = m }
}

// New creates a Breaker. Zero config fields fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	b := &Breaker{cfg: cfg, now: time.Now, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsAvailable reports whether the guard may run. Checking an open circuit
// whose recovery timeout has elapsed moves it to half-open.
func (b *Breaker) IsAvailable(name string) bool {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.snap.State {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.snap.OpenedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(name, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return c.snap.HalfOpenSuccesses < b.cfg.HalfOpenRequests
	}
	return false
}

// RecordSuccess notes a successful guard run. While closed, one success
// forgives one failure rather than resetting the count.
func (b *Breaker) RecordSuccess(name string) {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.snap.State {
	case StateClosed:
		if c.snap.Failures > 0 {
			c.snap.Failures--
		}
	case StateHalfOpen:
		c.snap.HalfOpenSuccesses++
		if c.snap.HalfOpenSuccesses >= b.cfg.HalfOpenRequests {
			b.transition(name, c, StateClosed)
		}
	}
}

// RecordFailure notes a guard fault or timeout.
func (b *Breaker) RecordFailure(name string) {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap.Failures++
	switch c.snap.State {
	case StateClosed:
		if c.snap.Failures >= b.cfg.FailureThreshold {
			b.transition(name, c, StateOpen)
		}
	case StateHalfOpen:
		b.transition(name, c, StateOpen)
	}
}

// State returns a copy of the guard's circuit.
func (b *Breaker) State(name string) Snapshot {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Snapshots returns a copy of every known circuit keyed by guard name.
func (b *Breaker) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	b.entries.Range(func(k, v any) bool {
		c := v.(*circuit)
		c.mu.Lock()
		out[k.(string)] = c.snap
		c.mu.Unlock()
		return true
	})
	return out
}

// Reset closes the guard's circuit and clears its counters.
func (b *Breaker) Reset(name string) {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.transition(name, c, StateClosed)
}

func (b *Breaker) circuit(name string) *circuit {
	if v, ok := b.entries.Load(name); ok {
		return v.(*circuit)
	}
	fresh := &circuit{snap: b.seed(name)}
	v, _ := b.entries.LoadOrStore(name, fresh)
	return v.(*circuit)
}

// transition must be called with c.mu held.
func (b *Breaker) transition(name string, c *circuit, to State) {
	from := c.snap.State
	switch to {
	case StateOpen:
		c.snap.OpenedAt = b.now()
		c.snap.HalfOpenSuccesses = 0
	case StateHalfOpen:
		c.snap.HalfOpenSuccesses = 0
	case StateClosed:
		c.snap.Failures = 0
		c.snap.HalfOpenSuccesses = 0
		c.snap.OpenedAt = time.Time{}
	}
	c.snap.State = to

	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	if from != to {
		b.logger.Info("circuit state changed",
			zap.String("guard", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("failures", c.snap.Failures),
		)
	}
	c.version++
	if b.mirror != nil {
		go b.publish(name, c, c.version, c.snap)
	}
}

func (b *Breaker) seed(name string) Snapshot {
	if b.mirror == nil {
		return Snapshot{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	snap, ok, err := b.mirror.Fetch(ctx, name)
	if err != nil {
		b.logger.Warn("circuit mirror fetch failed", zap.String("guard", name), zap.Error(err))
		return Snapshot{}
	}
	if !ok {
		return Snapshot{}
	}
	return snap
}

// publish writes snap to the mirror unless a later transition of the same
// circuit already got there first. Publishes run on their own goroutines and
// may be scheduled out of order.
func (b *Breaker) publish(name string, c *circuit, version uint64, snap Snapshot) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if version <= c.published {
		return
	}
	c.published = version

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := b.mirror.Store(ctx, name, snap); err != nil {
		b.logger.Warn("circuit mirror store failed", zap.String("guard", name), zap.Error(err))
	}
}
