package engine

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/rampart/internal/pool"
)

func newTestEngine(t *testing.T, guards []Guard, deps Deps) *Engine {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e, err := New(DefaultConfig(), guards, nil, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEngine_InspectVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		guards     []*stubGuard
		want       Verdict
		wantReason string
	}{
		{
			name:   "all pass",
			guards: []*stubGuard{{name: "a", priority: 95, severity: ThreatCritical}, {name: "b", priority: 50, severity: ThreatLow}},
			want:   VerdictAllow,
		},
		{
			name:       "critical blocks",
			guards:     []*stubGuard{{name: "a", priority: 95, severity: ThreatCritical, fail: true}, {name: "b", priority: 50, severity: ThreatLow}},
			want:       VerdictBlock,
			wantReason: "failed: a",
		},
		{
			name:       "low flags",
			guards:     []*stubGuard{{name: "a", priority: 95, severity: ThreatCritical}, {name: "b", priority: 50, severity: ThreatLow, fail: true}},
			want:       VerdictFlag,
			wantReason: "failed: b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, guardsOf(tt.guards...), Deps{})
			res, err := e.Inspect(context.Background(), &InspectionContext{Path: "/"})
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if res.Verdict != tt.want || res.Reason != tt.wantReason {
				t.Errorf("verdict %v reason %q, want %v %q", res.Verdict, res.Reason, tt.want, tt.wantReason)
			}
		})
	}
}

func TestEngine_RegistersTiersFromSeverity(t *testing.T) {
	sh := &stubShedder{admit: map[string]bool{}, tiers: map[string]int{"configured": 1}}
	guards := guardsOf(
		&stubGuard{name: "configured", priority: 10, severity: ThreatLow},
		&stubGuard{name: "fresh", priority: 80, severity: ThreatHigh},
	)
	newTestEngine(t, guards, Deps{Shedder: sh})

	if sh.tiers["configured"] != 1 {
		t.Errorf("configured tier overwritten: %d", sh.tiers["configured"])
	}
	if sh.tiers["fresh"] != 2 {
		t.Errorf("fresh tier = %d, want 2", sh.tiers["fresh"])
	}
}

func TestEngine_SetPolicies(t *testing.T) {
	bad := &stubGuard{name: "noisy", priority: 60, severity: ThreatMedium, fail: true}
	e := newTestEngine(t, guardsOf(bad), Deps{})

	e.SetPolicies(&PolicyConfig{Guards: map[string]GuardPolicy{"noisy": {Enabled: boolPtr(false)}}})
	res, err := e.Inspect(context.Background(), &InspectionContext{})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.Verdict != VerdictAllow || bad.calls.Load() != 0 {
		t.Errorf("disabled guard ran: verdict %v calls %d", res.Verdict, bad.calls.Load())
	}
	if len(e.Guards()) != 1 {
		t.Errorf("Guards() = %d registrations, want 1", len(e.Guards()))
	}
}

func TestEngine_NilContext(t *testing.T) {
	e := newTestEngine(t, guardsOf(&stubGuard{name: "a", priority: 95}), Deps{})
	if _, err := e.Inspect(context.Background(), nil); err != nil {
		t.Fatalf("Inspect(nil): %v", err)
	}
}

func TestEngine_PlanCacheFromPools(t *testing.T) {
	t.Run("registered", func(t *testing.T) {
		pools := pool.NewManager(zap.NewNop())
		if _, err := pool.Register[*ExecutionPlan](pools, PlanCachePool, pool.Options{MaxSize: 4}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		g := &stubGuard{name: "g", priority: 60, severity: ThreatLow}
		e := newTestEngine(t, guardsOf(g), Deps{Pools: pools})

		if _, err := e.Inspect(context.Background(), &InspectionContext{}); err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if got := pools.Stats()[PlanCachePool].Size; got != 1 {
			t.Errorf("plan cache size = %d, want 1", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		pools := pool.NewManager(zap.NewNop())
		_, err := New(DefaultConfig(), nil, nil, Deps{Pools: pools, Logger: zap.NewNop()})
		if !errors.Is(err, pool.ErrUnknownPool) {
			t.Fatalf("err = %v, want ErrUnknownPool", err)
		}
	})
}
