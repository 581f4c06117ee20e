package incremental

import (
	"fmt"
	"math"
	"regexp"

	"github.com/triage-ai/rampart/internal/pool"
)

// Family names.
const (
	FamilyInjection        = "injection"
	FamilyScriptInjection  = "script_injection"
	FamilyPathTraversal    = "path_traversal"
	FamilyCommandInjection = "command_injection"
	FamilyEntropy          = "entropy"
)

// DefaultFamilies lists every built-in family in evaluation order.
func DefaultFamilies() []string {
	return []string{
		FamilyInjection,
		FamilyScriptInjection,
		FamilyPathTraversal,
		FamilyCommandInjection,
		FamilyEntropy,
	}
}

// Finding is one detection inside streamed content.
type Finding struct {
	Family string  `json:"family"`
	Chunk  int     `json:"chunk"`
	Offset int     `json:"offset"` // relative to the chunk start; negative if the match began in the previous chunk
	Detail string  `json:"detail"`
	Score  float64 `json:"score"`
}

// FamilyState is everything a family carries from one chunk to the next.
type FamilyState struct {
	Score     float64   `json:"score"`
	Hits      int       `json:"hits,omitempty"`
	MaxWeight float64   `json:"max_weight,omitempty"`
	Tail      []byte    `json:"tail,omitempty"`
	History   []float64 `json:"history,omitempty"`
}

// Family scores content chunk by chunk. Step must be pure: the same chunk,
// prior state and index always produce the same output.
type Family interface {
	Name() string
	Step(chunk []byte, prior FamilyState, index int) (FamilyState, float64, []Finding)
}

func newFamily(name string) (Family, error) {
	switch name {
	case FamilyInjection:
		return injectionFamily, nil
	case FamilyScriptInjection:
		return scriptFamily, nil
	case FamilyPathTraversal:
		return traversalFamily, nil
	case FamilyCommandInjection:
		return commandFamily, nil
	case FamilyEntropy:
		return entropyFamily{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
}

type weightedRule struct {
	re     *regexp.Regexp
	weight float64
	detail string
}

// regexFamily matches weighted patterns over lowercased chunks. The last
// overlap bytes of each chunk are carried forward so a pattern split across
// a chunk boundary is still seen; matches that end inside the carried tail
// were already counted and are skipped.
type regexFamily struct {
	name    string
	rules   []weightedRule
	overlap int
	score   func(hits int, maxWeight float64) float64
}

func (f *regexFamily) Name() string { return f.name }

func (f *regexFamily) Step(chunk []byte, prior FamilyState, index int) (FamilyState, float64, []Finding) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	tailLen := len(prior.Tail)
	buf.Grow(tailLen + len(chunk))
	buf.Write(prior.Tail)
	for _, c := range chunk {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf.WriteByte(c)
	}
	text := buf.Bytes()

	next := FamilyState{
		Score:     prior.Score,
		Hits:      prior.Hits,
		MaxWeight: prior.MaxWeight,
	}

	var findings []Finding
	for _, r := range f.rules {
		for _, loc := range r.re.FindAllIndex(text, -1) {
			if loc[1] <= tailLen {
				continue
			}
			next.Hits++
			next.MaxWeight = math.Max(next.MaxWeight, r.weight)
			findings = append(findings, Finding{
				Family: f.name,
				Chunk:  index,
				Offset: loc[0] - tailLen,
				Detail: r.detail,
				Score:  r.weight,
			})
		}
	}

	next.Score = math.Max(prior.Score, f.score(next.Hits, next.MaxWeight))
	keep := text
	if len(keep) > f.overlap {
		keep = keep[len(keep)-f.overlap:]
	}
	next.Tail = append([]byte(nil), keep...)
	return next, next.Score, findings
}

func maxWeightScore(_ int, maxWeight float64) float64 { return maxWeight }

func ruleTable(rules ...weightedRule) []weightedRule { return rules }

func wr(expr string, weight float64, detail string) weightedRule {
	return weightedRule{re: regexp.MustCompile(expr), weight: weight, detail: detail}
}

var injectionFamily = &regexFamily{
	name:    FamilyInjection,
	overlap: 96,
	score:   maxWeightScore,
	rules: ruleTable(
		wr(`union\s+(?:all\s+|distinct\s+)?select\b`, 0.95, "union-based select"),
		wr(`['"]\s*(?:or|and)\s+['"]?\w+['"]?\s*(?:=|<>|like)\s*['"]?\w*`, 0.9, "quoted boolean tautology"),
		wr(`\b(?:or|and)\s+1\s*=\s*1\b`, 0.85, "numeric tautology"),
		wr(`;\s*(?:drop|delete|insert|update|exec|shutdown)\s`, 0.9, "stacked query"),
		wr(`\b(?:pg_)?sleep\s*\(\s*\d|\bbenchmark\s*\(\s*\d|waitfor\s+delay\s+'`, 0.85, "time-based blind"),
		wr(`'\s*\)?\s*(?:--|/\*)`, 0.6, "comment after string terminator"),
		wr(`information_schema\.|xp_cmdshell|load_file\s*\(`, 0.7, "database introspection"),
	),
}

var scriptFamily = &regexFamily{
	name:    FamilyScriptInjection,
	overlap: 64,
	score:   maxWeightScore,
	rules: ruleTable(
		wr(`<script[\s>/]`, 0.95, "script tag"),
		wr(`javascript:\s*\S|vbscript:\s*\S`, 0.85, "script URI"),
		wr(`\bon(?:error|load|click|mouseover|focus|toggle)\s*=`, 0.8, "inline event handler"),
		wr(`<(?:iframe|object|embed)\b`, 0.6, "embedded frame"),
		wr(`document\.cookie|\beval\s*\(`, 0.7, "script API access"),
	),
}

var commandFamily = &regexFamily{
	name:    FamilyCommandInjection,
	overlap: 64,
	score:   maxWeightScore,
	rules: ruleTable(
		wr(`(?:;|\||&&)\s*(?:cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|rm|chmod|python|perl)\b`, 0.9, "shell command after separator"),
		wr(`/bin/(?:ba)?sh\b|\b(?:nc|ncat|netcat)\s+-[ec]\b`, 0.85, "shell invocation"),
		wr(`\$\([^)\n]{1,200}\)`, 0.7, "command substitution"),
		wr("`[^`\\n]{1,200}`", 0.5, "backtick substitution"),
	),
}

// traversalFamily accumulates evidence: each traversal sequence raises the
// score, and a direct sensitive-file reference is decisive on its own.
var traversalFamily = &regexFamily{
	name:    FamilyPathTraversal,
	overlap: 64,
	score: func(hits int, maxWeight float64) float64 {
		if hits == 0 {
			return 0
		}
		// hundredths keep the thresholds exact: 3 hits is 0.8, not 0.7999...
		return math.Min(1, math.Max(maxWeight, float64(35+15*hits)/100))
	},
	rules: ruleTable(
		wr(`\.\.[/\\]`, 0.4, "directory traversal"),
		wr(`/etc/(?:passwd|shadow|sudoers)\b|/proc/self/|c:\\windows\\`, 0.9, "sensitive file reference"),
		wr(`\x00`, 0.5, "null byte"),
	),
}

const (
	entropyWindow       = 8
	entropyMinChunk     = 64
	entropyFloor        = 6.0 // bits/byte; base64 and compressed text sit above this
	entropySpan         = 1.5
	entropyScoreCap     = 0.45 // below the threat threshold; entropy alone is only informational
	entropyFindingLevel = 7.5
	entropyFindingScore = 0.3
)

// entropyFamily scores the rolling mean Shannon entropy of recent chunks.
// It flags likely encrypted or packed content but never terminates an
// inspection by itself.
type entropyFamily struct{}

func (entropyFamily) Name() string { return FamilyEntropy }

func (entropyFamily) Step(chunk []byte, prior FamilyState, index int) (FamilyState, float64, []Finding) {
	if len(chunk) < entropyMinChunk {
		return prior, prior.Score, nil
	}

	h := shannon(chunk)
	history := append(append([]float64(nil), prior.History...), h)
	if len(history) > entropyWindow {
		history = history[len(history)-entropyWindow:]
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))
	score := entropyScoreCap * math.Min(1, math.Max(0, (mean-entropyFloor)/entropySpan))

	next := FamilyState{Score: score, Hits: prior.Hits, History: history}
	var findings []Finding
	if h >= entropyFindingLevel {
		next.Hits++
		findings = append(findings, Finding{
			Family: FamilyEntropy,
			Chunk:  index,
			Detail: fmt.Sprintf("high-entropy chunk (%.2f bits/byte)", h),
			Score:  entropyFindingScore,
		})
	}
	return next, score, findings
}

func shannon(b []byte) float64 {
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	n := float64(len(b))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
