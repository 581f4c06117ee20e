package engine

import (
	"fmt"
	"maps"
	"strings"
)

// ThreatLevel ranks how serious a guard failure is.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

// String returns the lowercase level name.
func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "none"
	}
}

// ParseThreatLevel is the inverse of String.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ThreatNone, nil
	case "low":
		return ThreatLow, nil
	case "medium":
		return ThreatMedium, nil
	case "high":
		return ThreatHigh, nil
	case "critical":
		return ThreatCritical, nil
	}
	return ThreatNone, fmt.Errorf("unknown threat level %q", s)
}

// Tier maps the level onto the load-shedding scale, where 1 is critical
// and 4 is low.
func (l ThreatLevel) Tier() int {
	if l <= ThreatNone {
		return 4
	}
	return 5 - int(l)
}

func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ThreatLevel) UnmarshalText(b []byte) error {
	v, err := ParseThreatLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Verdict represents the final enforcement decision.
type Verdict int

const (
	VerdictAllow Verdict = iota + 1
	VerdictBlock
	VerdictFlag
)

// String returns the lowercase verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictBlock:
		return "block"
	case VerdictFlag:
		return "flag"
	default:
		return "unspecified"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// InspectionContext is the request under inspection. Guards must treat it
// as read-only; it is shared by every guard in a run.
type InspectionContext struct {
	IP        string              `json:"ip,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	Method    string              `json:"method,omitempty"`
	Path      string              `json:"path,omitempty"`
	Headers   map[string]string   `json:"headers,omitempty"`
	Query     map[string][]string `json:"query,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	Parsed    any                 `json:"-"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

// Payload joins the path, query values and body into the text most
// pattern guards scan.
func (ic *InspectionContext) Payload() string {
	if ic == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ic.Path)
	for _, k := range sortedKeys(ic.Query) {
		for _, v := range ic.Query[k] {
			b.WriteByte(' ')
			b.WriteString(v)
		}
	}
	if len(ic.Body) > 0 {
		b.WriteByte(' ')
		b.Write(ic.Body)
	}
	return b.String()
}

// Result is one guard's verdict on a request.
type Result struct {
	Guard    string         `json:"guard"`
	Passed   bool           `json:"passed"`
	Severity ThreatLevel    `json:"severity"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Pass returns a passing result.
func Pass(guard string) *Result {
	return &Result{Guard: guard, Passed: true, Severity: ThreatNone}
}

// Fail returns a failing result with the given severity.
func Fail(guard string, severity ThreatLevel, message string) *Result {
	return &Result{Guard: guard, Passed: false, Severity: severity, Message: message}
}

// WithMetadata returns a copy of r with key set. r is not modified.
func (r *Result) WithMetadata(key string, value any) *Result {
	out := *r
	out.Metadata = make(map[string]any, len(r.Metadata)+1)
	maps.Copy(out.Metadata, r.Metadata)
	out.Metadata[key] = value
	return &out
}
