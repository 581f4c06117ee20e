package engine

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/triage-ai/rampart/internal/pool"
)

// Band groups guards into a stage by minimum priority.
type Band struct {
	Name        string `yaml:"name"`
	MinPriority int    `yaml:"min_priority"`
}

// FusionRule shares one computation between the listed guards when at
// least two of them are active.
type FusionRule struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Guards []string `yaml:"guards"`
}

// PlannerConfig controls stage partitioning and guard fusion.
type PlannerConfig struct {
	Bands        []Band
	FusionRules  []FusionRule
	Computations map[string]SharedSpec // merged over BuiltinComputations
	CacheSize    int
	Cache        *pool.Pool[*ExecutionPlan] // host-owned plan cache; CacheSize is ignored when set
}

// PlanCachePool is the pool name the engine looks up for its plan cache.
const PlanCachePool = "plans"

// DefaultBands returns the critical / high / normal partition.
func DefaultBands() []Band {
	return []Band{
		{Name: "critical", MinPriority: 90},
		{Name: "high", MinPriority: 70},
		{Name: "normal", MinPriority: math.MinInt},
	}
}

// DefaultFusionRules returns the built-in fusion groups.
func DefaultFusionRules() []FusionRule {
	return []FusionRule{
		{
			Name:   "decoded_payload_scanners",
			Key:    KeyDecodedPayload,
			Guards: []string{"sql_injection", "xss", "command_injection", "ssrf", "file_operations", "sensitive_data"},
		},
		{
			Name:   "body_structure",
			Key:    KeyParsedBody,
			Guards: []string{"deserialization", "mass_assignment"},
		},
		{
			Name:   "value_scanners",
			Key:    KeyInputValues,
			Guards: []string{"sql_injection", "xss", "command_injection", "mass_assignment"},
		},
	}
}

// DefaultPlannerConfig returns the standard planner configuration.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Bands:       DefaultBands(),
		FusionRules: DefaultFusionRules(),
		CacheSize:   64,
	}
}

// Planner turns registrations into execution plans. Plans are cached by a
// fingerprint of the registrations' names, priorities and enabled flags.
type Planner struct {
	bands        []Band
	rules        []FusionRule
	computations map[string]SharedSpec
	cache        *pool.Pool[*ExecutionPlan]
}

// NewPlanner creates a planner. Zero config fields fall back to defaults.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	def := DefaultPlannerConfig()
	if len(cfg.Bands) == 0 {
		cfg.Bands = def.Bands
	}
	if cfg.FusionRules == nil {
		cfg.FusionRules = def.FusionRules
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	bands := slices.Clone(cfg.Bands)
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].MinPriority > bands[j].MinPriority })

	comps := BuiltinComputations()
	for k, v := range cfg.Computations {
		comps[k] = v
	}

	cache := cfg.Cache
	if cache == nil {
		var err error
		if cache, err = pool.New[*ExecutionPlan](pool.Options{MaxSize: cfg.CacheSize}); err != nil {
			return nil, fmt.Errorf("NewPlanner: %w", err)
		}
	}

	return &Planner{
		bands:        bands,
		rules:        cfg.FusionRules,
		computations: comps,
		cache:        cache,
	}, nil
}

// Plan returns the execution plan for regs, building it on a cache miss.
func (p *Planner) Plan(regs []Registration) (*ExecutionPlan, error) {
	key := strconv.FormatUint(fingerprint(regs), 16)
	return p.cache.Get(key, func() (*ExecutionPlan, error) {
		return p.build(regs)
	})
}

func (p *Planner) build(regs []Registration) (*ExecutionPlan, error) {
	active := make([]Registration, 0, len(regs))
	for _, r := range regs {
		if r.Enabled() {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		pi, pj := active[i].Priority(), active[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return active[i].Name() < active[j].Name()
	})

	plan := &ExecutionPlan{
		SharedComputations: p.computations,
		Guards:             make(map[string]Registration, len(active)),
	}

	byBand := make([][]string, len(p.bands))
	for _, r := range active {
		if _, dup := plan.Guards[r.Name()]; dup {
			return nil, fmt.Errorf("Planner.Plan: %w: guard %q registered twice", ErrInvalidPlan, r.Name())
		}
		plan.Guards[r.Name()] = r
		for i, b := range p.bands {
			if r.Priority() >= b.MinPriority {
				byBand[i] = append(byBand[i], r.Name())
				break
			}
		}
	}

	for i, names := range byBand {
		if len(names) == 0 {
			continue
		}
		plan.Stages = append(plan.Stages, Stage{Name: p.bands[i].Name, GuardNames: names})
	}
	if len(plan.Stages) > 0 {
		plan.Stages[0].IsTerminationPoint = true
	}

	if err := p.fuse(plan); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("Planner.Plan: %w", err)
	}
	return plan, nil
}

// fuse attaches each rule's key to the first stage holding one of its
// consumers, provided at least two consumers are planned.
func (p *Planner) fuse(plan *ExecutionPlan) error {
	for _, rule := range p.rules {
		consumers := 0
		for _, g := range rule.Guards {
			if _, ok := plan.Guards[g]; ok {
				consumers++
			}
		}
		if consumers < 2 {
			continue
		}
		if _, ok := p.computations[rule.Key]; !ok {
			return fmt.Errorf("Planner.Plan: %w: fusion rule %q uses unknown computation %q", ErrInvalidPlan, rule.Name, rule.Key)
		}

	stages:
		for i := range plan.Stages {
			for _, name := range plan.Stages[i].GuardNames {
				if slices.Contains(rule.Guards, name) {
					if !slices.Contains(plan.Stages[i].SharedDataKeys, rule.Key) {
						plan.Stages[i].SharedDataKeys = append(plan.Stages[i].SharedDataKeys, rule.Key)
					}
					break stages
				}
			}
		}
	}
	return nil
}

// fingerprint hashes (name, priority, enabled) for every registration in
// name order, so reordering the same guards hits the same plan.
func fingerprint(regs []Registration) uint64 {
	sorted := slices.Clone(regs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	d := xxhash.New()
	var buf []byte
	for _, r := range sorted {
		buf = buf[:0]
		buf = append(buf, r.Name()...)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, int64(r.Priority()), 10)
		buf = append(buf, 0)
		buf = strconv.AppendBool(buf, r.Enabled())
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, int64(r.Severity()), 10)
		buf = append(buf, '\n')
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}
