package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/triage-ai/rampart/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Guard outcome status values recorded in result metadata.
const (
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Skip reasons recorded in ExecutionResult.Skips.
const (
	SkipCircuitOpen  = "circuit_open"
	SkipLoadShed     = "load_shed"
	SkipShortCircuit = "short_circuit"
	SkipCancelled    = "cancelled"
)

// CircuitBreaker is consulted before and after each guard run.
type CircuitBreaker interface {
	IsAvailable(name string) bool
	RecordSuccess(name string)
	RecordFailure(name string)
}

// LoadShedder decides which guards are admitted under the current load.
type LoadShedder interface {
	FilterGuards(names []string) []string
	Level() int
}

// ExecutorConfig controls concurrency and failure handling.
type ExecutorConfig struct {
	MaxConcurrency int           // guards dispatched at once within a stage (default 4)
	StageTimeout   time.Duration // wall-clock budget per stage (default 50ms)
	FailFast       bool          // stop after a critical failure at a termination stage
	FailOpen       bool          // faulted or timed-out guards pass instead of fail
}

// DefaultExecutorConfig returns the standard executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 4,
		StageTimeout:   50 * time.Millisecond,
		FailFast:       true,
		FailOpen:       true,
	}
}

// ExecutionResult is the complete outcome of running a plan.
type ExecutionResult struct {
	Results        []*Result         `json:"results"`
	Errors         map[string]string `json:"errors,omitempty"`
	TimedOut       []string          `json:"timed_out,omitempty"`
	Skips          map[string]string `json:"skips,omitempty"`
	Executed       int               `json:"executed"`
	Skipped        int               `json:"skipped"`
	ShortCircuited bool              `json:"short_circuited"`
	Cancelled      bool              `json:"cancelled,omitempty"`
	ExecutionTime  time.Duration     `json:"execution_time_ns"`
	ShedLevel      int               `json:"shed_level"`
	Passed         bool              `json:"passed"`
	Severity       ThreatLevel       `json:"severity"`
	Verdict        Verdict           `json:"verdict,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// Result returns the named guard's result, or nil if it did not run.
func (r *ExecutionResult) Result(name string) *Result {
	for _, res := range r.Results {
		if res.Guard == name {
			return res
		}
	}
	return nil
}

// Executor runs execution plans. It is safe for concurrent use; all
// per-request state lives on the stack of Execute.
type Executor struct {
	cfg     ExecutorConfig
	breaker CircuitBreaker
	shedder LoadShedder
	logger  *zap.Logger
}

// NewExecutor creates an executor. breaker and shedder may be nil.
func NewExecutor(cfg ExecutorConfig, breaker CircuitBreaker, shedder LoadShedder, logger *zap.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	return &Executor{cfg: cfg, breaker: breaker, shedder: shedder, logger: logger}
}

// guardOutcome holds a single guard's run alongside its timing.
type guardOutcome struct {
	name     string
	result   *Result
	err      error
	duration time.Duration
}

// Execute runs plan against ic. Guard faults, timeouts and skips are folded
// into the result; only an invalid plan returns an error.
func (e *Executor) Execute(ctx context.Context, plan *ExecutionPlan, ic *InspectionContext) (*ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("Executor.Execute: %w", err)
	}
	start := time.Now()

	res := &ExecutionResult{
		Errors: make(map[string]string),
		Skips:  make(map[string]string),
		Passed: true,
	}

	admitted := e.admit(plan)
	shared := make(SharedData)

	for i, stage := range plan.Stages {
		if ctx.Err() != nil {
			res.Cancelled = true
			skipStages(plan.Stages[i:], res, SkipCancelled, metrics.OutcomeSkippedCancel)
			break
		}
		stageStart := time.Now()
		e.computeShared(ctx, plan, stage, ic, shared)

		// Each stage gets its own copy: guards abandoned at a deadline may
		// still be reading it while later stages add keys.
		input := &Input{Context: ic, Shared: maps.Clone(shared)}
		e.runStage(ctx, plan, stage, input, admitted, res)
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(stageStart).Seconds())

		if e.cfg.FailFast && stage.IsTerminationPoint && hasCriticalFailure(res.Results) {
			res.ShortCircuited = true
			skipStages(plan.Stages[i+1:], res, SkipShortCircuit, metrics.OutcomeSkippedShort)
			metrics.ShortCircuits.Inc()
			break
		}
	}

	for _, r := range res.Results {
		if !r.Passed {
			res.Passed = false
			if r.Severity > res.Severity {
				res.Severity = r.Severity
			}
		}
	}
	if e.shedder != nil {
		res.ShedLevel = e.shedder.Level()
	}
	res.ExecutionTime = time.Since(start)
	return res, nil
}

func skipStages(stages []Stage, res *ExecutionResult, reason, outcome string) {
	for _, st := range stages {
		for _, name := range st.GuardNames {
			res.Skips[name] = reason
			metrics.GuardOutcomes.WithLabelValues(name, outcome).Inc()
		}
		res.Skipped += len(st.GuardNames)
	}
}

func (e *Executor) admit(plan *ExecutionPlan) map[string]bool {
	names := plan.GuardNames()
	if e.shedder != nil {
		names = e.shedder.FilterGuards(names)
	}
	admitted := make(map[string]bool, len(names))
	for _, n := range names {
		admitted[n] = true
	}
	return admitted
}

// computeShared fills in the stage's shared keys that earlier stages have
// not produced. A failed computation leaves its key absent and guards fall
// back to computing what they need themselves.
func (e *Executor) computeShared(ctx context.Context, plan *ExecutionPlan, stage Stage, ic *InspectionContext, shared SharedData) {
	var missing []string
	for _, key := range stage.SharedDataKeys {
		if _, ok := shared[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, key := range missing {
		spec := plan.SharedComputations[key]
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Warn("shared computation panicked",
						zap.String("key", key),
						zap.Any("panic", rec),
					)
				}
			}()
			v, err := spec.Compute(gctx, ic)
			if err != nil {
				e.logger.Debug("shared computation failed",
					zap.String("key", key),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			shared[key] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// runStage dispatches the stage's guards in batches of MaxConcurrency under
// one deadline.
//
// Each goroutine sends its outcome through a buffered channel sized for the
// whole stage, so goroutines that finish after the deadline never block and
// are simply never read.
func (e *Executor) runStage(ctx context.Context, plan *ExecutionPlan, stage Stage, input *Input, admitted map[string]bool, res *ExecutionResult) {
	runnable := make([]string, 0, len(stage.GuardNames))
	for _, name := range stage.GuardNames {
		switch {
		case e.breaker != nil && !e.breaker.IsAvailable(name):
			res.Skips[name] = SkipCircuitOpen
			res.Skipped++
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeSkippedOpen).Inc()
		case !admitted[name]:
			res.Skips[name] = SkipLoadShed
			res.Skipped++
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeSkippedShed).Inc()
		default:
			runnable = append(runnable, name)
		}
	}
	if len(runnable) == 0 {
		return
	}
	res.Executed += len(runnable)

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	ch := make(chan guardOutcome, len(runnable))
	outcomes := make(map[string]guardOutcome, len(runnable))
	deadline := false

	for lo := 0; lo < len(runnable) && !deadline; lo += e.cfg.MaxConcurrency {
		batch := runnable[lo:min(lo+e.cfg.MaxConcurrency, len(runnable))]
		for _, name := range batch {
			go e.run(stageCtx, plan.Guards[name].Guard, input, ch)
		}

		for remaining := len(batch); remaining > 0; {
			select {
			case out := <-ch:
				outcomes[out.name] = out
				remaining--
			case <-stageCtx.Done():
				if ctx.Err() == nil {
					e.logger.Warn("stage deadline exceeded, abandoning unfinished guards",
						zap.String("stage", stage.Name),
						zap.Duration("timeout", e.cfg.StageTimeout),
					)
				}
				deadline = true
				remaining = 0
			}
		}
	}

	// A caller that went away is not the guards' fault: unfinished guards
	// are skipped and nothing is charged to their circuits.
	cancelled := ctx.Err() != nil
	if cancelled {
		res.Cancelled = true
	}

	for _, name := range runnable {
		reg := plan.Guards[name]
		out, ok := outcomes[name]
		switch {
		case cancelled && (!ok || isContextErr(out.err)):
			res.Skips[name] = SkipCancelled
			res.Executed--
			res.Skipped++
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeSkippedCancel).Inc()

		case !ok:
			res.TimedOut = append(res.TimedOut, name)
			res.Results = append(res.Results, e.fallback(reg, StatusTimeout))
			e.recordFailure(name)
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeTimeout).Inc()

		case out.err != nil:
			e.logger.Warn("guard error",
				zap.String("guard", name),
				zap.Error(out.err),
			)
			res.Errors[name] = out.err.Error()
			res.Results = append(res.Results, e.fallback(reg, StatusError))
			e.recordFailure(name)
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeError).Inc()

		default:
			r := out.result
			if r == nil {
				r = Pass(name)
			}
			if r.Guard != name {
				r = &Result{Guard: name, Passed: r.Passed, Severity: r.Severity, Message: r.Message, Metadata: r.Metadata}
			}
			if !r.Passed && reg.severityOverridden() {
				r = &Result{Guard: name, Passed: false, Severity: reg.Severity(), Message: r.Message, Metadata: r.Metadata}
			}
			res.Results = append(res.Results, r)
			if e.breaker != nil {
				e.breaker.RecordSuccess(name)
			}
			metrics.GuardOutcomes.WithLabelValues(name, metrics.OutcomeResult).Inc()
			metrics.GuardDuration.WithLabelValues(name).Observe(out.duration.Seconds())
		}
	}
}

// run invokes one guard and reports its outcome. A panic is converted into
// an error outcome so one broken guard cannot take the process down.
func (e *Executor) run(ctx context.Context, g Guard, input *Input, ch chan<- guardOutcome) {
	start := time.Now()
	out := guardOutcome{name: g.Name()}
	defer func() {
		if rec := recover(); rec != nil {
			out.result = nil
			out.err = fmt.Errorf("guard panicked: %v", rec)
		}
		out.duration = time.Since(start)
		ch <- out
	}()
	out.result, out.err = invoke(ctx, g, input)
}

// fallback synthesizes the result for a guard that faulted or timed out.
func (e *Executor) fallback(reg Registration, status string) *Result {
	var r *Result
	if e.cfg.FailOpen {
		r = Pass(reg.Name())
	} else {
		r = Fail(reg.Name(), reg.Severity(), "guard "+status)
	}
	return r.WithMetadata("status", status)
}

func (e *Executor) recordFailure(name string) {
	if e.breaker != nil {
		e.breaker.RecordFailure(name)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func hasCriticalFailure(results []*Result) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == ThreatCritical {
			return true
		}
	}
	return false
}
