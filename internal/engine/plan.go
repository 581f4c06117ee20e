package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned for structurally broken execution plans.
var ErrInvalidPlan = errors.New("invalid execution plan")

// Stage is a group of guards dispatched together under one deadline.
type Stage struct {
	Name               string   `json:"name"`
	GuardNames         []string `json:"guards"`
	IsTerminationPoint bool     `json:"termination_point"`
	SharedDataKeys     []string `json:"shared_keys,omitempty"`
}

// SharedSpec describes a value computed once per request before the stage
// that first needs it.
type SharedSpec struct {
	Key     string
	Compute func(ctx context.Context, ic *InspectionContext) (any, error)
}

// ExecutionPlan is the ordered list of stages for one guard configuration.
// Plans are immutable once built and are shared between requests.
type ExecutionPlan struct {
	Stages             []Stage                 `json:"stages"`
	SharedComputations map[string]SharedSpec   `json:"-"`
	Guards             map[string]Registration `json:"-"`
}

// GuardCount returns the number of guards across all stages.
func (p *ExecutionPlan) GuardCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.GuardNames)
	}
	return n
}

// GuardNames returns every planned guard in stage order.
func (p *ExecutionPlan) GuardNames() []string {
	names := make([]string, 0, p.GuardCount())
	for _, s := range p.Stages {
		names = append(names, s.GuardNames...)
	}
	return names
}

// Validate checks that every guard is known and appears once, and that every
// shared key has a computation.
func (p *ExecutionPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("ExecutionPlan.Validate: %w: nil plan", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Guards))
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("ExecutionPlan.Validate: %w: stage %d has no name", ErrInvalidPlan, i)
		}
		for _, name := range s.GuardNames {
			if _, ok := p.Guards[name]; !ok {
				return fmt.Errorf("ExecutionPlan.Validate: %w: unknown guard %q in stage %q", ErrInvalidPlan, name, s.Name)
			}
			if seen[name] {
				return fmt.Errorf("ExecutionPlan.Validate: %w: guard %q planned twice", ErrInvalidPlan, name)
			}
			seen[name] = true
		}
		for _, key := range s.SharedDataKeys {
			spec, ok := p.SharedComputations[key]
			if !ok || spec.Compute == nil {
				return fmt.Errorf("ExecutionPlan.Validate: %w: no computation for shared key %q", ErrInvalidPlan, key)
			}
		}
	}
	return nil
}
