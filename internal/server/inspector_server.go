// Package server exposes the inspection engine as the rampart.v1.Inspector
// gRPC service.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/rampart/internal/auth"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
	"github.com/triage-ai/rampart/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InspectorServer implements InspectorService.
type InspectorServer struct {
	engine      *engine.Engine
	incremental *incremental.Inspector // nil disables content inspection
	writer      storage.EventWriter
	logger      *zap.Logger
}

// NewInspectorServer creates a new InspectorServer with the given dependencies.
func NewInspectorServer(
	eng *engine.Engine,
	inc *incremental.Inspector,
	writer storage.EventWriter,
	logger *zap.Logger,
) *InspectorServer {
	return &InspectorServer{
		engine:      eng,
		incremental: inc,
		writer:      writer,
		logger:      logger,
	}
}

// Inspect implements the Inspector.Inspect RPC.
func (s *InspectorServer) Inspect(ctx context.Context, req *InspectRequest) (*InspectResponse, error) {
	start := time.Now()

	if req.Method == "" || req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "method and path are required")
	}

	ic := &engine.InspectionContext{
		IP:        req.IP,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Query:     req.Query,
		Body:      req.Body,
	}
	res, err := s.engine.Inspect(ctx, ic)
	if err != nil {
		s.logger.Error("inspection failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "inspection failed")
	}

	requestID := uuid.New().String()
	s.writer.Write(storage.NewRequestEvent(requestID, keyID(ctx), ic, res))

	return &InspectResponse{
		RequestID:      requestID,
		Verdict:        res.Verdict.String(),
		Severity:       res.Severity.String(),
		Reason:         res.Reason,
		Results:        res.Results,
		TimedOut:       res.TimedOut,
		Executed:       res.Executed,
		Skipped:        res.Skipped,
		ShortCircuited: res.ShortCircuited,
		LatencyMs:      msSince(start),
	}, nil
}

// InspectContent implements the Inspector.InspectContent RPC.
func (s *InspectorServer) InspectContent(ctx context.Context, req *ContentRequest) (*ContentResponse, error) {
	start := time.Now()
	if s.incremental == nil {
		return nil, status.Error(codes.Unimplemented, "content inspection is not configured")
	}

	res, err := s.incremental.Inspect(ctx, req.Content)
	if err != nil {
		s.logger.Warn("checkpoint save failed", zap.Error(err))
	}
	return s.contentResponse(ctx, req.Content, res, start), nil
}

// ResumeCheckpoint implements the Inspector.ResumeCheckpoint RPC.
func (s *InspectorServer) ResumeCheckpoint(ctx context.Context, req *ResumeRequest) (*ContentResponse, error) {
	start := time.Now()
	if s.incremental == nil {
		return nil, status.Error(codes.Unimplemented, "content inspection is not configured")
	}
	if req.CheckpointID == "" {
		return nil, status.Error(codes.InvalidArgument, "checkpoint_id is required")
	}

	res, err := s.incremental.ResumeFromCheckpoint(ctx, req.CheckpointID, req.MaxChunks)
	switch {
	case err == nil:
	case res != nil:
		s.logger.Warn("checkpoint save failed", zap.Error(err))
	case errors.Is(err, incremental.ErrCheckpointNotFound):
		return nil, status.Error(codes.NotFound, "checkpoint not found")
	case errors.Is(err, incremental.ErrNoStore):
		return nil, status.Error(codes.Unimplemented, "checkpoints are not configured")
	default:
		s.logger.Error("resume failed", zap.String("checkpoint", req.CheckpointID), zap.Error(err))
		return nil, status.Error(codes.Internal, "resume failed")
	}
	return s.contentResponse(ctx, nil, res, start), nil
}

func (s *InspectorServer) contentResponse(ctx context.Context, content []byte, res *incremental.Result, start time.Time) *ContentResponse {
	requestID := uuid.New().String()
	s.writer.Write(storage.NewStreamEvent(requestID, keyID(ctx), content, res, time.Since(start)))

	verdict := engine.VerdictAllow
	if res.HasThreat {
		verdict = engine.VerdictBlock
	}
	return &ContentResponse{
		RequestID: requestID,
		Verdict:   verdict.String(),
		Result:    res,
		LatencyMs: msSince(start),
	}
}

func keyID(ctx context.Context) string {
	if p, ok := auth.PrincipalFrom(ctx); ok {
		return p.KeyID
	}
	return ""
}

func msSince(t time.Time) float32 {
	return float32(float64(time.Since(t)) / float64(time.Millisecond))
}
