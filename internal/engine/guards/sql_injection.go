package guards

import (
	"context"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var sqlInjectionTokens = []string{
	"union", "--", "/*",
	"'or", "' or", `"or`, `" or`, "'and", "' and", `"and`, `" and`,
	"or 1", "and 1",
	";drop", "; drop", ";delete", "; delete", ";insert", "; insert",
	";update", "; update", ";exec", "; exec", ";shutdown", "; shutdown",
	"sleep(", "sleep (", "benchmark(", "benchmark (", "waitfor delay",
	"information_schema", "xp_cmdshell", "load_file", "into outfile", "into dumpfile",
}

// Patterns run against the canonical payload: lowercased, single-spaced.
var sqlInjectionRules = []rule{
	{`union(?: all| distinct)? ?select\b`, "union-based select"},
	{`['"] ?(?:or|and) ['"]?\w+['"]? ?(?:=|<>|!=|<|>|like) ?['"]?\w*`, "quoted boolean tautology"},
	{`\b(?:or|and) 1 ?= ?1\b`, "numeric tautology"},
	{`' ?\)? ?(?:--|/\*)`, "comment after string terminator"},
	{`; ?(?:drop|delete|insert|update|exec|shutdown)\b`, "stacked query"},
	{`\b(?:pg_)?sleep ?\( ?\d`, "time-based blind (sleep)"},
	{`\bbenchmark ?\( ?\d`, "time-based blind (benchmark)"},
	{`waitfor delay ?'`, "time-based blind (waitfor)"},
	{`information_schema\.`, "schema enumeration"},
	{`xp_cmdshell`, "command execution via xp_cmdshell"},
	{`load_file ?\(`, "file read via load_file"},
	{`into (?:out|dump)file\b`, "file write via into outfile"},
}

// Anchored to whole input values so short field values are judged alone.
var sqlInjectionValueRules = []rule{
	{`^[\w.-]*['"]? ?\)? ?(?:or|and) 1 ?= ?1`, "tautology in input value"},
}

// SQLInjection detects SQL injection in the request payload and input values.
type SQLInjection struct {
	base
	values []compiledRule
}

func NewSQLInjection(cache *pool.PatternCache) *SQLInjection {
	g := &SQLInjection{
		base: newBase(cache, "sql_injection", 95, engine.ThreatCritical, sqlInjectionTokens, sqlInjectionRules),
	}
	for _, r := range sqlInjectionValueRules {
		g.values = append(g.values, compiledRule{re: cache.MustCompile(r.expr), detail: r.detail})
	}
	return g
}

func (g *SQLInjection) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	if r := g.match(ctx, in.DecodedPayload()); r != nil {
		return r, nil
	}
	for _, v := range in.InputValues() {
		if ctx.Err() != nil {
			break
		}
		v = canonical(v)
		for _, r := range g.values {
			if m := r.re.FindString(v); m != "" {
				return g.fail(r.detail, m), nil
			}
		}
	}
	return engine.Pass(g.name), nil
}
