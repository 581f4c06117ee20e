package guards

import (
	"context"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var shellCommands = []string{
	"cat", "ls", "id", "whoami", "uname", "wget", "curl", "nc", "ncat",
	"bash", "sh", "rm", "chmod", "python", "perl", "ping", "nslookup",
}

var shellSeparators = []string{";", "|", "&&"}

// commandInjectionTokens pairs every separator with every command, with
// and without a space, so each separator rule match contains a token.
var commandInjectionTokens = func() []string {
	tokens := []string{
		"$(", "`", "/etc/passwd", "/bin/sh", "/bin/bash",
		"nc -e", "nc -c", "ncat -e", "ncat -c", "netcat -e", "netcat -c",
	}
	for _, sep := range shellSeparators {
		for _, cmd := range shellCommands {
			tokens = append(tokens, sep+cmd, sep+" "+cmd)
		}
	}
	return tokens
}()

var commandInjectionRules = []rule{
	{`(?:;|\||&&) ?(?:cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|rm|chmod|python|perl|ping|nslookup)\b`, "shell command after separator"},
	{`\$\([^)]{1,200}\)`, "command substitution"},
	{"`[^`]{1,200}`", "backtick substitution"},
	{`/etc/passwd`, "sensitive file reference"},
	{`/bin/(?:ba)?sh\b`, "shell binary reference"},
	{`\b(?:nc|ncat|netcat) -[ec]\b`, "netcat reverse shell"},
}

// CommandInjection detects OS command injection.
type CommandInjection struct {
	base
}

func NewCommandInjection(cache *pool.PatternCache) *CommandInjection {
	return &CommandInjection{
		base: newBase(cache, "command_injection", 90, engine.ThreatCritical, commandInjectionTokens, commandInjectionRules),
	}
}

func (g *CommandInjection) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	if r := g.match(ctx, in.DecodedPayload()); r != nil {
		return r, nil
	}
	return engine.Pass(g.name), nil
}
