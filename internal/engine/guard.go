package engine

import (
	"context"
)

// Guard is the interface every detector must implement.
// Implementations must respect context deadlines and return quickly.
type Guard interface {
	// Name returns the guard's unique identifier (e.g., "sql_injection").
	Name() string

	// IsEnabled reports whether the guard should be planned at all.
	IsEnabled() bool

	// Priority orders guards; higher runs earlier.
	Priority() int

	// Severity is the threat level the guard reports when it fails.
	Severity() ThreatLevel

	// Inspect runs the full detection logic.
	Inspect(ctx context.Context, in *Input) (*Result, error)
}

// QuickScanner is implemented by guards with a cheap pre-check. A nil
// result means the scan was inconclusive and full inspection must run.
type QuickScanner interface {
	QuickScan(ctx context.Context, in *Input) *Result
}

// DeepInspector is implemented by guards whose thorough path differs from
// Inspect. When present it replaces Inspect after an inconclusive QuickScan.
type DeepInspector interface {
	DeepInspect(ctx context.Context, in *Input) (*Result, error)
}

// SharedData holds values computed once per request and read by several
// guards. It is never written while guards hold it.
type SharedData map[string]any

// Input is what a guard receives for one run.
type Input struct {
	Context *InspectionContext
	Shared  SharedData
}

// DecodedPayload returns the shared decoded payload, computing it when the
// plan did not share it.
func (in *Input) DecodedPayload() string {
	if v, ok := in.Shared[KeyDecodedPayload].(string); ok {
		return v
	}
	return decodePayload(in.Context)
}

// ParsedBody returns the decoded JSON body, if the body is JSON.
func (in *Input) ParsedBody() (any, bool) {
	if v, ok := in.Shared[KeyParsedBody]; ok {
		return v, true
	}
	v, err := parseBody(in.Context)
	if err != nil {
		return nil, false
	}
	return v, true
}

// InputValues returns every string leaf from the query and JSON body.
func (in *Input) InputValues() []string {
	if v, ok := in.Shared[KeyInputValues].([]string); ok {
		return v
	}
	return inputValues(in.Context)
}

// invoke runs a guard the cheapest way it supports: a conclusive QuickScan,
// otherwise DeepInspect, otherwise Inspect.
func invoke(ctx context.Context, g Guard, in *Input) (*Result, error) {
	if qs, ok := g.(QuickScanner); ok {
		if r := qs.QuickScan(ctx, in); r != nil {
			return r, nil
		}
	}
	if di, ok := g.(DeepInspector); ok {
		return di.DeepInspect(ctx, in)
	}
	return g.Inspect(ctx, in)
}
