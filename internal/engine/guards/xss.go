package guards

import (
	"context"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var xssTokens = []string{
	"<script", "javascript:", "vbscript:", "data:text/html",
	"onerror", "onload", "onclick", "onmouseover", "onfocus", "ontoggle",
	"<iframe", "<svg", "<object", "<embed",
	"document.cookie", "eval(", "eval (", "expression(", "expression (", "fromcharcode",
}

var xssRules = []rule{
	{`<script[\s>/]`, "script tag"},
	{`javascript: ?\S`, "javascript: URI"},
	{`vbscript: ?\S`, "vbscript: URI"},
	{`data:text/html`, "HTML data URI"},
	{`\bon(?:error|load|click|mouseover|focus|toggle) ?=`, "inline event handler"},
	{`<iframe\b`, "iframe injection"},
	{`<svg[\s/>]`, "svg injection"},
	{`<(?:object|embed)\b`, "plugin element injection"},
	{`document\.cookie`, "cookie access"},
	{`\beval ?\(`, "eval call"},
	{`expression ?\(`, "css expression"},
	{`fromcharcode`, "String.fromCharCode obfuscation"},
}

// XSS detects cross-site scripting payloads.
type XSS struct {
	base
}

func NewXSS(cache *pool.PatternCache) *XSS {
	return &XSS{base: newBase(cache, "xss", 92, engine.ThreatCritical, xssTokens, xssRules)}
}

func (g *XSS) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	if r := g.match(ctx, in.DecodedPayload()); r != nil {
		return r, nil
	}
	return engine.Pass(g.name), nil
}
