package engine

// PolicyConfig holds per-guard overrides, loaded from configuration or the
// guard_policies table.
type PolicyConfig struct {
	Guards map[string]GuardPolicy `json:"guards" yaml:"guards"`
}

// GetGuardPolicy returns the policy for a guard by name.
// If the PolicyConfig is nil or the guard is missing, returns
// a zero-value GuardPolicy (all nil fields → guard defaults).
func (pc *PolicyConfig) GetGuardPolicy(name string) GuardPolicy {
	if pc == nil || pc.Guards == nil {
		return GuardPolicy{}
	}
	return pc.Guards[name]
}

// Merge returns pc with over's set fields applied on top, guard by guard.
// Neither input is modified.
func (pc *PolicyConfig) Merge(over *PolicyConfig) *PolicyConfig {
	out := &PolicyConfig{Guards: make(map[string]GuardPolicy)}
	for _, src := range []*PolicyConfig{pc, over} {
		if src == nil {
			continue
		}
		for name, gp := range src.Guards {
			cur := out.Guards[name]
			if gp.Enabled != nil {
				cur.Enabled = gp.Enabled
			}
			if gp.Priority != nil {
				cur.Priority = gp.Priority
			}
			if gp.Severity != nil {
				cur.Severity = gp.Severity
			}
			out.Guards[name] = cur
		}
	}
	return out
}

// GuardPolicy overrides a single guard's static settings.
// All pointer fields use nil to mean "use the guard's own value".
type GuardPolicy struct {
	Enabled  *bool   `json:"enabled" yaml:"enabled"`
	Priority *int    `json:"priority" yaml:"priority"`
	Severity *string `json:"severity" yaml:"severity"`
}

// Registration is a guard paired with its policy. The planner and executor
// only ever see registrations.
type Registration struct {
	Guard  Guard
	Policy GuardPolicy
}

// Register pairs each guard with its policy from pc.
func Register(guards []Guard, pc *PolicyConfig) []Registration {
	regs := make([]Registration, 0, len(guards))
	for _, g := range guards {
		regs = append(regs, Registration{Guard: g, Policy: pc.GetGuardPolicy(g.Name())})
	}
	return regs
}

func (r Registration) Name() string { return r.Guard.Name() }

// Enabled is false if either the policy or the guard disables it.
func (r Registration) Enabled() bool {
	if r.Policy.Enabled != nil && !*r.Policy.Enabled {
		return false
	}
	return r.Guard.IsEnabled()
}

// Priority returns the policy priority, falling back to the guard's.
func (r Registration) Priority() int {
	if r.Policy.Priority == nil {
		return r.Guard.Priority()
	}
	return *r.Policy.Priority
}

// Severity returns the policy severity, falling back to the guard's when
// the policy is unset or unparseable.
func (r Registration) Severity() ThreatLevel {
	if r.Policy.Severity == nil {
		return r.Guard.Severity()
	}
	lvl, err := ParseThreatLevel(*r.Policy.Severity)
	if err != nil || lvl == ThreatNone {
		return r.Guard.Severity()
	}
	return lvl
}

// severityOverridden reports whether failed results should be relabelled.
func (r Registration) severityOverridden() bool {
	return r.Policy.Severity != nil && r.Severity() != r.Guard.Severity()
}
