// Package metrics holds the Prometheus collectors shared by the inspection
// engine and its host surfaces. Collectors register with the default
// registry at init, so every package records into the same /metrics output.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guard outcome labels.
const (
	OutcomeResult        = "result"
	OutcomeError         = "error"
	OutcomeTimeout       = "timeout"
	OutcomeSkippedOpen   = "skipped_circuit_open"
	OutcomeSkippedShed   = "skipped_load_shed"
	OutcomeSkippedShort  = "skipped_short_circuit"
	OutcomeSkippedCancel = "skipped_cancelled"
)

var (
	// GuardOutcomes counts per-guard executions by outcome.
	GuardOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_guard_outcomes_total",
		Help: "Guard executions by guard name and outcome",
	}, []string{"guard", "outcome"})

	// GuardDuration tracks guard latency for guards that returned in time.
	GuardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampart_guard_duration_seconds",
		Help:    "Guard inspection duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50µs to ~400ms
	}, []string{"guard"})

	// StageDuration tracks wall-clock time per execution stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampart_stage_duration_seconds",
		Help:    "Execution stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"stage"})

	// ShortCircuits counts executions stopped by a critical failure.
	ShortCircuits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampart_short_circuits_total",
		Help: "Executions that skipped remaining stages after a critical failure",
	})

	// Verdicts counts aggregated verdicts.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_verdicts_total",
		Help: "Aggregated inspection verdicts",
	}, []string{"verdict"})

	// BreakerState exposes each guard's circuit state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_breaker_state",
		Help: "Circuit breaker state per guard (0=closed, 1=open, 2=half_open)",
	}, []string{"guard"})

	// ShedLevel exposes the current load-shedding tier cutoff.
	ShedLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_shed_level",
		Help: "Current load shedding tier cutoff (0 = no shedding)",
	})

	// LoadPressure exposes the last computed load pressure ratio.
	LoadPressure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_load_pressure",
		Help: "Last sampled load pressure relative to configured thresholds",
	})

	// IncrementalChunks counts chunks processed by the incremental inspector.
	IncrementalChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_incremental_chunks_total",
		Help: "Chunks processed by incremental inspection",
	}, []string{"family"})

	// IncrementalTerminations counts incremental inspections stopped early.
	IncrementalTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_incremental_early_terminations_total",
		Help: "Incremental inspections terminated early, by triggering family",
	}, []string{"family"})
)
