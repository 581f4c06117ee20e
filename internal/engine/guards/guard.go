// Package guards holds the built-in request guards.
//
// Every guard screens the canonical decoded payload through a Bloom filter
// of its attack tokens first. Each pattern a guard evaluates contains at
// least one of those tokens, so a clean screen is a conclusive pass.
package guards

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/triage-ai/rampart/internal/bloom"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

const (
	screenFalsePositiveRate = 1e-6
	maxMatchExcerpt         = 64
)

// rule is a pattern source with a human-readable finding.
type rule struct {
	expr   string
	detail string
}

// compiledRule is a rule compiled through the shared pattern cache.
type compiledRule struct {
	re     *regexp.Regexp
	detail string
}

// base carries what every built-in guard shares: identity, the Bloom
// screen, and the compiled pattern table.
type base struct {
	name     string
	priority int
	severity engine.ThreatLevel
	screen   *bloom.PatternSet
	rules    []compiledRule
}

func newBase(cache *pool.PatternCache, name string, priority int, severity engine.ThreatLevel, tokens []string, rules []rule) base {
	b := base{
		name:     name,
		priority: priority,
		severity: severity,
		screen:   bloom.NewPatternSet(name, tokens, screenFalsePositiveRate),
		rules:    make([]compiledRule, len(rules)),
	}
	for i, r := range rules {
		b.rules[i] = compiledRule{re: cache.MustCompile(r.expr), detail: r.detail}
	}
	return b
}

func (b *base) Name() string                 { return b.name }
func (b *base) IsEnabled() bool              { return true }
func (b *base) Priority() int                { return b.priority }
func (b *base) Severity() engine.ThreatLevel { return b.severity }

// QuickScan passes the request when no screened token can be present.
// Bodies with JSON unicode escapes are never screened: the escapes can
// hide tokens from the raw payload.
func (b *base) QuickScan(_ context.Context, in *engine.Input) *engine.Result {
	if in.Context != nil && bytes.Contains(in.Context.Body, []byte(`\u`)) {
		return nil
	}
	if b.screen.Screen(in.DecodedPayload()) {
		return nil
	}
	return engine.Pass(b.name)
}

// match runs the rule table over text and returns the first finding.
func (b *base) match(ctx context.Context, text string) *engine.Result {
	for _, r := range b.rules {
		if ctx.Err() != nil {
			return nil
		}
		if m := r.re.FindString(text); m != "" {
			return b.fail(r.detail, m)
		}
	}
	return nil
}

func (b *base) fail(detail, match string) *engine.Result {
	res := engine.Fail(b.name, b.severity, detail)
	if match != "" {
		if len(match) > maxMatchExcerpt {
			match = match[:maxMatchExcerpt]
		}
		res = res.WithMetadata("match", match)
	}
	return res
}

// Default returns every built-in guard, compiling patterns through cache.
// A nil cache gets a private one.
func Default(cache *pool.PatternCache) ([]engine.Guard, error) {
	if cache == nil {
		var err error
		if cache, err = pool.NewPatternCache(512); err != nil {
			return nil, err
		}
	}
	return []engine.Guard{
		NewSQLInjection(cache),
		NewXSS(cache),
		NewCommandInjection(cache),
		NewSSRF(cache),
		NewDeserialization(cache),
		NewMassAssignment(cache),
		NewFileOperations(cache),
		NewSensitiveData(cache),
	}, nil
}

// canonical lowercases a single value and collapses its whitespace, the
// same normalization the decoded payload gets.
func canonical(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
