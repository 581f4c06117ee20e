// Package shed maps host load to a guard tier cutoff so that low-value guards
// stop running first when the process is under pressure.
package shed

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/rampart/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard tiers. Lower numbers are more important and are shed last.
const (
	TierCritical = 1
	TierHigh     = 2
	TierMedium   = 3
	TierLow      = 4
)

// LoadSample is one reading of host load, both values as ratios in [0, 1].
type LoadSample struct {
	CPULoad     float64   `json:"cpu_load"`
	MemoryUsage float64   `json:"memory_usage"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Config controls sampling and the pressure → cutoff mapping.
type Config struct {
	CPUThreshold     float64
	MemoryThreshold  float64
	MinimumGuards    int
	SampleInterval   time.Duration // <= 0 samples on every call
	ModeratePressure float64       // at or above: only tiers <= high run
	SeverePressure   float64       // at or above: only critical runs
	Tiers            map[string]int
}

// DefaultTiers is the built-in guard → tier assignment.
func DefaultTiers() map[string]int {
	return map[string]int{
		"sql_injection":       TierCritical,
		"xss":                 TierCritical,
		"command_injection":   TierCritical,
		"ssrf":                TierHigh,
		"deserialization":     TierHigh,
		"mass_assignment":     TierMedium,
		"session":             TierMedium,
		"credential_stuffing": TierMedium,
		"file_operations":     TierLow,
		"anomaly":             TierLow,
	}
}

// DefaultConfig returns the standard shedding thresholds.
func DefaultConfig() Config {
	return Config{
		CPUThreshold:     0.80,
		MemoryThreshold:  0.90,
		MinimumGuards:    2,
		SampleInterval:   time.Second,
		ModeratePressure: 0.70,
		SeverePressure:   0.85,
		Tiers:            DefaultTiers(),
	}
}

// Stats is a point-in-time view of the shedder.
type Stats struct {
	Level    int        `json:"level"`
	Pressure float64    `json:"pressure"`
	Sample   LoadSample `json:"sample"`
	Admitted int64      `json:"admitted"`
	Shed     int64      `json:"shed"`
	Floored  int64      `json:"floored"`
}

// Shedder is shared process-wide. All methods are safe for concurrent use.
type Shedder struct {
	cfg       Config
	sampler   Sampler
	sometimes *rate.Sometimes
	logger    *zap.Logger

	mu       sync.RWMutex
	sample   LoadSample
	pressure float64
	level    int

	tiersMu sync.RWMutex
	tiers   map[string]int

	admitted atomic.Int64
	shed     atomic.Int64
	floored  atomic.Int64
}

// New creates a Shedder. Zero config fields fall back to DefaultConfig.
func New(cfg Config, sampler Sampler, logger *zap.Logger) *Shedder {
	def := DefaultConfig()
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.MinimumGuards <= 0 {
		cfg.MinimumGuards = def.MinimumGuards
	}
	if cfg.ModeratePressure <= 0 {
		cfg.ModeratePressure = def.ModeratePressure
	}
	if cfg.SeverePressure <= 0 {
		cfg.SeverePressure = def.SeverePressure
	}

	tiers := DefaultTiers()
	for name, tier := range cfg.Tiers {
		tiers[name] = tier
	}

	return &Shedder{
		cfg:       cfg,
		sampler:   sampler,
		sometimes: &rate.Sometimes{Interval: cfg.SampleInterval},
		logger:    logger,
		tiers:     tiers,
	}
}

// Sample returns the current load sample, refreshing it if the sampling
// interval has elapsed since the last reading.
func (s *Shedder) Sample() LoadSample {
	if s.cfg.SampleInterval <= 0 {
		s.refresh()
	} else {
		s.sometimes.Do(s.refresh)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample
}

// Pressure returns max(cpu/cpuThreshold, memory/memoryThreshold) for the
// current sample.
func (s *Shedder) Pressure() float64 {
	s.Sample()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pressure
}

// Level returns the tier cutoff: 0 means every tier runs.
func (s *Shedder) Level() int {
	s.Sample()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// SetTier assigns a guard's tier.
func (s *Shedder) SetTier(name string, tier int) {
	s.tiersMu.Lock()
	s.tiers[name] = tier
	s.tiersMu.Unlock()
}

// HasTier reports whether the guard has an explicit tier assignment.
func (s *Shedder) HasTier(name string) bool {
	s.tiersMu.RLock()
	defer s.tiersMu.RUnlock()
	_, ok := s.tiers[name]
	return ok
}

// Tier returns the guard's tier. Unknown guards are low tier.
func (s *Shedder) Tier(name string) int {
	s.tiersMu.RLock()
	defer s.tiersMu.RUnlock()
	if t, ok := s.tiers[name]; ok {
		return t
	}
	return TierLow
}

// ShouldRun reports whether the guard's tier is within the current cutoff.
func (s *Shedder) ShouldRun(name string) bool {
	return admits(s.Level(), s.Tier(name))
}

// FilterGuards drops guards above the current cutoff, preserving input order.
// When fewer than MinimumGuards would survive, the MinimumGuards most critical
// guards are kept instead (ties broken by input order).
func (s *Shedder) FilterGuards(names []string) []string {
	level := s.Level()
	if level == 0 {
		s.admitted.Add(int64(len(names)))
		return append([]string(nil), names...)
	}

	kept := make([]string, 0, len(names))
	for _, name := range names {
		if admits(level, s.Tier(name)) {
			kept = append(kept, name)
		}
	}

	if len(kept) < s.cfg.MinimumGuards && len(names) > len(kept) {
		kept = s.floor(names)
		s.floored.Add(1)
	}

	s.admitted.Add(int64(len(kept)))
	s.shed.Add(int64(len(names) - len(kept)))
	return kept
}

// Stats returns counters and the last sample without forcing a refresh.
func (s *Shedder) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Level:    s.level,
		Pressure: s.pressure,
		Sample:   s.sample,
		Admitted: s.admitted.Load(),
		Shed:     s.shed.Load(),
		Floored:  s.floored.Load(),
	}
}

func (s *Shedder) floor(names []string) []string {
	type ranked struct {
		name  string
		tier  int
		index int
	}
	all := make([]ranked, len(names))
	for i, name := range names {
		all[i] = ranked{name: name, tier: s.Tier(name), index: i}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].tier < all[j].tier })

	n := s.cfg.MinimumGuards
	if n > len(all) {
		n = len(all)
	}
	top := all[:n]
	sort.Slice(top, func(i, j int) bool { return top[i].index < top[j].index })

	out := make([]string, n)
	for i, r := range top {
		out[i] = r.name
	}
	return out
}

func (s *Shedder) refresh() {
	sample, err := s.sampler.Sample()
	if err != nil {
		s.logger.Warn("load sample failed", zap.Error(err))
		return
	}
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now()
	}

	pressure := max(sample.CPULoad/s.cfg.CPUThreshold, sample.MemoryUsage/s.cfg.MemoryThreshold)
	level := s.levelFor(pressure)

	s.mu.Lock()
	prev := s.level
	s.sample = sample
	s.pressure = pressure
	s.level = level
	s.mu.Unlock()

	metrics.LoadPressure.Set(pressure)
	metrics.ShedLevel.Set(float64(level))
	if level != prev {
		s.logger.Info("shed level changed",
			zap.Int("from", prev),
			zap.Int("to", level),
			zap.Float64("pressure", pressure),
			zap.Float64("cpu_load", sample.CPULoad),
			zap.Float64("memory_usage", sample.MemoryUsage),
		)
	}
}

func (s *Shedder) levelFor(pressure float64) int {
	switch {
	case pressure < s.cfg.ModeratePressure:
		return 0
	case pressure < s.cfg.SeverePressure:
		return TierHigh
	default:
		return TierCritical
	}
}

func admits(level, tier int) bool {
	return level == 0 || tier <= level
}
