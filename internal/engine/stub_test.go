package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// stubGuard is a configurable guard for engine tests.
type stubGuard struct {
	name     string
	priority int
	severity ThreatLevel
	disabled bool

	fail  bool
	delay time.Duration
	err   error
	panic bool

	calls atomic.Int32
}

func (g *stubGuard) Name() string          { return g.name }
func (g *stubGuard) IsEnabled() bool       { return !g.disabled }
func (g *stubGuard) Priority() int         { return g.priority }
func (g *stubGuard) Severity() ThreatLevel { return g.severity }

func (g *stubGuard) Inspect(_ context.Context, _ *Input) (*Result, error) {
	g.calls.Add(1)
	if g.panic {
		panic("boom")
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.fail {
		return Fail(g.name, g.severity, "stub failure"), nil
	}
	return Pass(g.name), nil
}

// stubBreaker records calls and reports unavailable for listed guards.
type stubBreaker struct {
	mu        sync.Mutex
	open      map[string]bool
	successes map[string]int
	failures  map[string]int
}

func newStubBreaker(open ...string) *stubBreaker {
	b := &stubBreaker{
		open:      make(map[string]bool),
		successes: make(map[string]int),
		failures:  make(map[string]int),
	}
	for _, n := range open {
		b.open[n] = true
	}
	return b
}

func (b *stubBreaker) IsAvailable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open[name]
}

func (b *stubBreaker) RecordSuccess(name string) {
	b.mu.Lock()
	b.successes[name]++
	b.mu.Unlock()
}

func (b *stubBreaker) RecordFailure(name string) {
	b.mu.Lock()
	b.failures[name]++
	b.mu.Unlock()
}

// stubShedder admits only the listed guards.
type stubShedder struct {
	admit map[string]bool
	level int
	tiers map[string]int
}

func (s *stubShedder) FilterGuards(names []string) []string {
	var out []string
	for _, n := range names {
		if s.admit[n] {
			out = append(out, n)
		}
	}
	return out
}

func (s *stubShedder) Level() int { return s.level }

func (s *stubShedder) HasTier(name string) bool {
	_, ok := s.tiers[name]
	return ok
}

func (s *stubShedder) SetTier(name string, tier int) {
	if s.tiers == nil {
		s.tiers = make(map[string]int)
	}
	s.tiers[name] = tier
}

func guardsOf(gs ...*stubGuard) []Guard {
	out := make([]Guard, len(gs))
	for i, g := range gs {
		out[i] = g
	}
	return out
}

func regsOf(gs ...*stubGuard) []Registration {
	return Register(guardsOf(gs...), nil)
}
