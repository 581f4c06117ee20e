// Package storage persists inspection events for later analysis. Writers
// never block the request path.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
)

// Event kinds.
const (
	KindRequest = "request"
	KindStream  = "stream"
)

// EventWriter is the sink for inspection events.
// Write must never block the caller.
type EventWriter interface {
	Write(event *InspectionEvent)
	Close()
}

// InspectionEvent is one inspection outcome flattened for storage.
// Guard columns are parallel arrays.
type InspectionEvent struct {
	RequestID   string
	Timestamp   time.Time
	Kind        string
	KeyID       string
	Method      string
	Path        string
	ClientIP    string
	UserID      string
	SessionID   string
	PayloadHash string // SHA-256 of the inspected payload
	PayloadSize uint32

	Verdict        string
	Severity       string
	Reason         string
	ShortCircuited bool
	ShedLevel      uint8
	Executed       uint16
	Skipped        uint16
	TimedOut       []string

	GuardNames      []string
	GuardPassed     []bool
	GuardSeverities []string
	GuardStatuses   []string
	GuardMessages   []string

	// Streamed inspections only.
	Score           float64
	ProcessedChunks uint32
	TotalChunks     uint32
	FindingFamilies []string
	CheckpointID    string

	LatencyMs float32
}

// NewRequestEvent flattens an engine result.
func NewRequestEvent(requestID, keyID string, ic *engine.InspectionContext, res *engine.ExecutionResult) *InspectionEvent {
	e := &InspectionEvent{
		RequestID:      requestID,
		Timestamp:      time.Now().UTC(),
		Kind:           KindRequest,
		KeyID:          keyID,
		Verdict:        res.Verdict.String(),
		Severity:       res.Severity.String(),
		Reason:         res.Reason,
		ShortCircuited: res.ShortCircuited,
		ShedLevel:      uint8(res.ShedLevel),
		Executed:       uint16(res.Executed),
		Skipped:        uint16(res.Skipped),
		TimedOut:       append([]string(nil), res.TimedOut...),
		LatencyMs:      float32(res.ExecutionTime.Microseconds()) / 1000,
	}
	if ic != nil {
		e.Method = ic.Method
		e.Path = ic.Path
		e.ClientIP = ic.IP
		e.UserID = ic.UserID
		e.SessionID = ic.SessionID
		e.PayloadHash, e.PayloadSize = hashPayload([]byte(ic.Payload()))
	}

	for _, r := range res.Results {
		e.GuardNames = append(e.GuardNames, r.Guard)
		e.GuardPassed = append(e.GuardPassed, r.Passed)
		e.GuardSeverities = append(e.GuardSeverities, r.Severity.String())
		e.GuardStatuses = append(e.GuardStatuses, guardStatus(r))
		e.GuardMessages = append(e.GuardMessages, r.Message)
	}
	return e
}

// NewStreamEvent flattens an incremental inspection result.
func NewStreamEvent(requestID, keyID string, content []byte, res *incremental.Result, elapsed time.Duration) *InspectionEvent {
	verdict := engine.VerdictAllow
	if res.HasThreat {
		verdict = engine.VerdictBlock
	}
	e := &InspectionEvent{
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		Kind:            KindStream,
		KeyID:           keyID,
		Verdict:         verdict.String(),
		Score:           res.Score,
		ProcessedChunks: uint32(res.ProcessedChunks),
		TotalChunks:     uint32(res.TotalChunks),
		CheckpointID:    res.CheckpointID,
		LatencyMs:       float32(elapsed.Microseconds()) / 1000,
	}
	if content != nil {
		e.PayloadHash, e.PayloadSize = hashPayload(content)
	}

	seen := make(map[string]bool)
	for _, f := range res.Findings {
		if !seen[f.Family] {
			seen[f.Family] = true
			e.FindingFamilies = append(e.FindingFamilies, f.Family)
		}
	}
	sort.Strings(e.FindingFamilies)
	return e
}

func guardStatus(r *engine.Result) string {
	if s, ok := r.Metadata["status"].(string); ok {
		return s
	}
	if r.Passed {
		return "passed"
	}
	return "failed"
}

func hashPayload(b []byte) (string, uint32) {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), uint32(len(b))
}
