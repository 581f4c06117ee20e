// Package engine plans and runs security guards against inbound requests.
//
// A run is staged: guards are partitioned by priority band, each stage's
// guards run concurrently under one deadline, and a critical failure in a
// termination stage skips everything after it.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/triage-ai/rampart/internal/metrics"
	"github.com/triage-ai/rampart/internal/pool"
	"go.uber.org/zap"
)

// Config bundles the engine's tunables.
type Config struct {
	Executor   ExecutorConfig
	Planner    PlannerConfig
	Aggregator AggregatorConfig
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Executor:   DefaultExecutorConfig(),
		Planner:    DefaultPlannerConfig(),
		Aggregator: DefaultAggregatorConfig(),
	}
}

// Deps are the engine's shared collaborators. Breaker, Shedder and Pools
// are optional. When Pools is set the plan cache must be registered in it
// under PlanCachePool.
type Deps struct {
	Breaker CircuitBreaker
	Shedder LoadShedder
	Pools   *pool.Manager
	Logger  *zap.Logger
}

// tierRegistry is implemented by shedders that accept tier assignments.
type tierRegistry interface {
	HasTier(name string) bool
	SetTier(name string, tier int)
}

// Engine is the inspection entry point: plan, execute, aggregate.
type Engine struct {
	mu     sync.RWMutex
	guards []Guard
	regs   []Registration

	planner  *Planner
	executor *Executor
	agg      AggregatorConfig
	shedder  LoadShedder
	logger   *zap.Logger
}

// New creates an engine over guards with per-guard overrides from policies.
func New(cfg Config, guards []Guard, policies *PolicyConfig, deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Pools != nil {
		cache, err := pool.Lookup[*ExecutionPlan](deps.Pools, PlanCachePool)
		if err != nil {
			return nil, fmt.Errorf("engine.New: %w", err)
		}
		cfg.Planner.Cache = cache
	}
	planner, err := NewPlanner(cfg.Planner)
	if err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	if cfg.Aggregator.BlockSeverity == ThreatNone {
		cfg.Aggregator = DefaultAggregatorConfig()
	}

	e := &Engine{
		guards:   guards,
		planner:  planner,
		executor: NewExecutor(cfg.Executor, deps.Breaker, deps.Shedder, deps.Logger),
		agg:      cfg.Aggregator,
		shedder:  deps.Shedder,
		logger:   deps.Logger,
	}
	e.SetPolicies(policies)

	if _, err := e.Plan(); err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	return e, nil
}

// SetPolicies replaces the per-guard overrides. Subsequent inspections use
// the new plan.
func (e *Engine) SetPolicies(policies *PolicyConfig) {
	regs := Register(e.guards, policies)

	if tr, ok := e.shedder.(tierRegistry); ok {
		for _, r := range regs {
			if !tr.HasTier(r.Name()) {
				tr.SetTier(r.Name(), r.Severity().Tier())
			}
		}
	}

	e.mu.Lock()
	e.regs = regs
	e.mu.Unlock()
}

// Guards returns the current registrations.
func (e *Engine) Guards() []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Registration(nil), e.regs...)
}

// Plan returns the execution plan for the current registrations.
func (e *Engine) Plan() (*ExecutionPlan, error) {
	return e.planner.Plan(e.Guards())
}

// Inspect runs every planned guard against ic and returns the aggregated
// outcome. Guard faults never surface as errors.
func (e *Engine) Inspect(ctx context.Context, ic *InspectionContext) (*ExecutionResult, error) {
	if ic == nil {
		ic = &InspectionContext{}
	}
	plan, err := e.Plan()
	if err != nil {
		return nil, fmt.Errorf("Engine.Inspect: %w", err)
	}

	res, err := e.executor.Execute(ctx, plan, ic)
	if err != nil {
		return nil, fmt.Errorf("Engine.Inspect: %w", err)
	}

	agg := Aggregate(res.Results, e.agg)
	res.Verdict = agg.Verdict
	res.Reason = agg.Reason
	metrics.Verdicts.WithLabelValues(agg.Verdict.String()).Inc()

	if agg.Verdict != VerdictAllow {
		e.logger.Info("inspection verdict",
			zap.String("verdict", agg.Verdict.String()),
			zap.String("reason", agg.Reason),
			zap.String("path", ic.Path),
			zap.String("ip", ic.IP),
			zap.Bool("short_circuited", res.ShortCircuited),
		)
	}
	return res, nil
}
