package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
	"github.com/triage-ai/rampart/internal/storage"
	"go.uber.org/zap"
)

// handleInspect implements POST /v1/inspect.
func (d *Dependencies) handleInspect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, d.MaxBodyBytes)
	var req InspectRequest
	if err := readJSON(r, &req); err != nil {
		if isTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Method == "" || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "method and path are required"})
		return
	}

	ic := req.toContext()
	res, err := d.Engine.Inspect(r.Context(), ic)
	if err != nil {
		d.Logger.Error("inspection failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Inspection failed"})
		return
	}

	requestID := uuid.New().String()

	// Fire-and-forget: the writer never blocks.
	d.Writer.Write(storage.NewRequestEvent(requestID, keyIDFrom(r), ic, res))

	var reason *string
	if res.Reason != "" {
		reason = &res.Reason
	}
	guards := res.Results
	if guards == nil {
		guards = []*engine.Result{}
	}

	writeJSON(w, http.StatusOK, InspectResponse{
		RequestID:      requestID,
		Verdict:        res.Verdict.String(),
		Blocked:        res.Verdict == engine.VerdictBlock,
		Severity:       res.Severity.String(),
		Reason:         reason,
		Guards:         guards,
		TimedOut:       res.TimedOut,
		Skips:          res.Skips,
		Errors:         res.Errors,
		Executed:       res.Executed,
		Skipped:        res.Skipped,
		ShortCircuited: res.ShortCircuited,
		ShedLevel:      res.ShedLevel,
		LatencyMs:      ms(time.Since(start)),
		GuardLatencyMs: ms(res.ExecutionTime),
	})
}

// handleGetPlan implements GET /v1/plan.
func (d *Dependencies) handleGetPlan(w http.ResponseWriter, _ *http.Request) {
	plan, err := d.Engine.Plan()
	if err != nil {
		d.Logger.Error("failed to build plan", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to build plan"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": plan.Stages, "guards": plan.GuardCount()})
}

// handleInspectStream implements POST /v1/inspect/stream. The raw request
// body is the content.
func (d *Dependencies) handleInspectStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	content, ok := d.readContent(w, r)
	if !ok {
		return
	}

	res, err := d.Incremental.Inspect(r.Context(), content)
	if err != nil {
		// The scan itself completed; only the checkpoint save failed.
		d.Logger.Warn("checkpoint save failed", zap.Error(err))
	}
	d.writeStream(w, r, content, res, start)
}

// handleCreateCheckpoint implements POST /v1/inspect/checkpoints.
func (d *Dependencies) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	content, ok := d.readContent(w, r)
	if !ok {
		return
	}
	id, err := d.Incremental.CreateCheckpoint(r.Context(), content)
	if err != nil {
		d.checkpointError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckpointResp{CheckpointID: id})
}

// handleResumeCheckpoint implements
// POST /v1/inspect/checkpoints/{id}/resume?max_chunks=N.
func (d *Dependencies) handleResumeCheckpoint(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	maxChunks := 0
	if v := r.URL.Query().Get("max_chunks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "max_chunks must be a non-negative integer"})
			return
		}
		maxChunks = n
	}

	res, err := d.Incremental.ResumeFromCheckpoint(r.Context(), r.PathValue("id"), maxChunks)
	if err != nil && res == nil {
		d.checkpointError(w, err)
		return
	}
	if err != nil {
		d.Logger.Warn("checkpoint save failed", zap.Error(err))
	}
	d.writeStream(w, r, nil, res, start)
}

func (d *Dependencies) readContent(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.MaxStreamBytes))
	if err != nil {
		if isTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Content too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Failed to read body"})
		return nil, false
	}
	return content, true
}

func (d *Dependencies) writeStream(w http.ResponseWriter, r *http.Request, content []byte, res *incremental.Result, start time.Time) {
	requestID := uuid.New().String()
	elapsed := time.Since(start)
	d.Writer.Write(storage.NewStreamEvent(requestID, keyIDFrom(r), content, res, elapsed))

	verdict := engine.VerdictAllow
	if res.HasThreat {
		verdict = engine.VerdictBlock
	}
	writeJSON(w, http.StatusOK, StreamResponse{
		RequestID: requestID,
		Verdict:   verdict.String(),
		Result:    res,
		LatencyMs: ms(elapsed),
	})
}

func (d *Dependencies) checkpointError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incremental.ErrCheckpointNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Checkpoint not found."})
	case errors.Is(err, incremental.ErrNoStore):
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "Checkpoints are not configured"})
	default:
		d.Logger.Error("checkpoint operation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Checkpoint operation failed"})
	}
}
