package bloom

import "strings"

// PatternSet is a named group of attack tokens screened through a Filter.
// Tokens are stored lowercased; Screen lowercases its input the same way.
type PatternSet struct {
	name   string
	filter *Filter
	minLen int
}

// NewPatternSet builds a PatternSet sized for the given tokens.
func NewPatternSet(name string, tokens []string, falsePositiveRate float64) *PatternSet {
	ps := &PatternSet{
		name:   name,
		filter: New(len(tokens), falsePositiveRate),
	}
	for _, t := range tokens {
		t = strings.ToLower(t)
		if t == "" {
			continue
		}
		if ps.minLen == 0 || len(t) < ps.minLen {
			ps.minLen = len(t)
		}
		ps.filter.Add(t)
	}
	return ps
}

// Name returns the set's identifier.
func (p *PatternSet) Name() string { return p.name }

// Screen reports whether input could contain any token of the set. A false
// result means full pattern evaluation can be skipped.
func (p *PatternSet) Screen(input string) bool {
	if p.minLen == 0 {
		return false
	}
	return p.filter.MightContainSubstring(strings.ToLower(input), p.minLen)
}
