package guards

import (
	"context"
	"fmt"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var deserializationTokens = []string{
	"o:", "c:", "a:", "ro0ab", "aced0005",
	"__proto__", "constructor", "prototype", "@type", "$type",
	"!!python", "!ruby/object", "__reduce__",
	"java.lang.runtime", "system.windows.data",
}

var deserializationRules = []rule{
	{`\b[oc]:\d+:"[^"]{1,128}":\d+:\{`, "PHP serialized object"},
	{`\ba:\d+:\{`, "PHP serialized array"},
	{`ro0ab`, "Java serialized object (base64)"},
	{`aced0005`, "Java serialized object (hex)"},
	{`__proto__`, "prototype pollution"},
	{`constructor\W{0,6}prototype`, "prototype pollution via constructor"},
	{`"@type" ?:`, "polymorphic type hint"},
	{`"\$type" ?:`, ".NET type hint"},
	{`!!python/`, "YAML python object tag"},
	{`!ruby/object`, "YAML ruby object tag"},
	{`__reduce__`, "pickle reduce hook"},
	{`java\.lang\.runtime`, "Java runtime gadget"},
	{`system\.windows\.data\.objectdataprovider`, ".NET ObjectDataProvider gadget"},
}

// Keys that let a JSON body steer object construction on the server.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"@type":       true,
	"$type":       true,
}

// Deserialization detects serialized-object payloads and type-steering keys.
type Deserialization struct {
	base
}

func NewDeserialization(cache *pool.PatternCache) *Deserialization {
	return &Deserialization{
		base: newBase(cache, "deserialization", 75, engine.ThreatHigh, deserializationTokens, deserializationRules),
	}
}

func (g *Deserialization) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	if r := g.match(ctx, in.DecodedPayload()); r != nil {
		return r, nil
	}
	if body, ok := in.ParsedBody(); ok {
		if key, found := findKey(body, func(k string) bool { return dangerousKeys[k] }, 0); found {
			return g.fail(fmt.Sprintf("dangerous key %q in body", key), ""), nil
		}
	}
	return engine.Pass(g.name), nil
}

const maxBodyDepth = 16

// findKey walks a decoded JSON value depth-first and returns the first
// object key accepted by match.
func findKey(v any, match func(string) bool, depth int) (string, bool) {
	if depth > maxBodyDepth {
		return "", false
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if match(k) {
				return k, true
			}
			if key, ok := findKey(child, match, depth+1); ok {
				return key, true
			}
		}
	case []any:
		for _, child := range t {
			if key, ok := findKey(child, match, depth+1); ok {
				return key, true
			}
		}
	}
	return "", false
}
