package api

import (
	"time"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
)

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- POST /v1/inspect ---

// InspectRequest describes the inbound request to inspect. Body is sent as
// text; binary bodies belong on the streaming endpoint.
type InspectRequest struct {
	IP        string              `json:"ip,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string]string   `json:"headers,omitempty"`
	Query     map[string][]string `json:"query,omitempty"`
	Body      string              `json:"body,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

func (r *InspectRequest) toContext() *engine.InspectionContext {
	ic := &engine.InspectionContext{
		IP:        r.IP,
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Method:    r.Method,
		Path:      r.Path,
		Headers:   r.Headers,
		Query:     r.Query,
		Metadata:  r.Metadata,
	}
	if r.Body != "" {
		ic.Body = []byte(r.Body)
	}
	return ic
}

// InspectResponse is the aggregated outcome of one inspection.
type InspectResponse struct {
	RequestID      string            `json:"request_id"`
	Verdict        string            `json:"verdict"`
	Blocked        bool              `json:"blocked"`
	Severity       string            `json:"severity"`
	Reason         *string           `json:"reason"`
	Guards         []*engine.Result  `json:"guards"`
	TimedOut       []string          `json:"timed_out,omitempty"`
	Skips          map[string]string `json:"skips,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
	Executed       int               `json:"executed"`
	Skipped        int               `json:"skipped"`
	ShortCircuited bool              `json:"short_circuited"`
	ShedLevel      int               `json:"shed_level"`
	LatencyMs      float64           `json:"latency_ms"`
	GuardLatencyMs float64           `json:"guard_latency_ms"`
}

// --- Streaming inspection ---

// StreamResponse wraps an incremental result with the request ID and the
// verdict the host should enforce.
type StreamResponse struct {
	RequestID string `json:"request_id"`
	Verdict   string `json:"verdict"`
	*incremental.Result
	LatencyMs float64 `json:"latency_ms"`
}

// CheckpointResp is returned when content is parked for later inspection.
type CheckpointResp struct {
	CheckpointID string `json:"checkpoint_id"`
}

// --- Runtime state ---

// BreakerResp is one guard's circuit.
type BreakerResp struct {
	Guard             string     `json:"guard"`
	State             string     `json:"state"`
	Failures          int        `json:"failures"`
	OpenedAt          *time.Time `json:"opened_at"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
}

// --- Policy CRUD ---

// PolicyResp is one stored guard override.
type PolicyResp struct {
	Guard     string             `json:"guard"`
	Policy    engine.GuardPolicy `json:"policy"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
