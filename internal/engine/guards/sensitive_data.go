package guards

import (
	"context"
	"math/big"
	"strings"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

// minSensitiveDigits is the fewest digits any detected identifier has
// (an SSN).
const minSensitiveDigits = 9

// Patterns run on the canonical (lowercased) payload.
var (
	ssnExpr  = `\b\d{3}[- ]\d{2}[- ]\d{4}\b`
	cardExpr = `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)(?:[- ]?\d{3,6}){2,4}\b`
	ibanExpr = `\b[a-z]{2}\d{2}(?: ?[a-z0-9]{4}){2,7}(?: ?[a-z0-9]{1,4})?\b`
)

// SensitiveData flags requests that carry payment card numbers, SSNs or
// IBANs in clear text. Matches are never echoed into result metadata.
type SensitiveData struct {
	name     string
	priority int
	severity engine.ThreatLevel

	ssn  compiledRule
	card compiledRule
	iban compiledRule
}

func NewSensitiveData(cache *pool.PatternCache) *SensitiveData {
	return &SensitiveData{
		name:     "sensitive_data",
		priority: 40,
		severity: engine.ThreatLow,
		ssn:      compiledRule{re: cache.MustCompile(ssnExpr), detail: "social security number"},
		card:     compiledRule{re: cache.MustCompile(cardExpr), detail: "payment card number"},
		iban:     compiledRule{re: cache.MustCompile(ibanExpr), detail: "bank account number (IBAN)"},
	}
}

func (g *SensitiveData) Name() string                 { return g.name }
func (g *SensitiveData) IsEnabled() bool              { return true }
func (g *SensitiveData) Priority() int                { return g.priority }
func (g *SensitiveData) Severity() engine.ThreatLevel { return g.severity }

// QuickScan passes payloads too short on digits to hold any identifier.
func (g *SensitiveData) QuickScan(_ context.Context, in *engine.Input) *engine.Result {
	digits := 0
	for _, c := range in.DecodedPayload() {
		if c >= '0' && c <= '9' {
			if digits++; digits >= minSensitiveDigits {
				return nil
			}
		}
	}
	return engine.Pass(g.name)
}

func (g *SensitiveData) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	text := in.DecodedPayload()

	for _, m := range g.card.re.FindAllString(text, -1) {
		if luhn(m) {
			return g.fail(g.card.detail), nil
		}
	}
	if ctx.Err() != nil {
		return engine.Pass(g.name), nil
	}
	if g.ssn.re.MatchString(text) {
		return g.fail(g.ssn.detail), nil
	}
	for _, m := range g.iban.re.FindAllString(text, -1) {
		if ibanValid(m) {
			return g.fail(g.iban.detail), nil
		}
	}
	return engine.Pass(g.name), nil
}

func (g *SensitiveData) fail(detail string) *engine.Result {
	return engine.Fail(g.name, g.severity, detail).WithMetadata("kind", detail)
}

// luhn validates the check digit of s, ignoring separators.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			if d *= 2; d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

// ibanValid runs the ISO 13616 mod-97 check.
func ibanValid(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	var b strings.Builder
	for _, c := range s[4:] + s[:4] {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'a' && c <= 'z':
			b.WriteString(big.NewInt(int64(c-'a') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
