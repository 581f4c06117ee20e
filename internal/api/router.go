package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/rampart/internal/auth"
	"github.com/triage-ai/rampart/internal/breaker"
	"github.com/triage-ai/rampart/internal/chread"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
	"github.com/triage-ai/rampart/internal/pool"
	"github.com/triage-ai/rampart/internal/shed"
	"github.com/triage-ai/rampart/internal/storage"
	"github.com/triage-ai/rampart/internal/store"
	"go.uber.org/zap"
)

// Default request size limits.
const (
	DefaultMaxBodyBytes   = 1 << 20
	DefaultMaxStreamBytes = 64 << 20
)

// BreakerRegistry is the part of the circuit breaker the admin routes use.
type BreakerRegistry interface {
	Snapshots() map[string]breaker.Snapshot
	Reset(name string)
}

// LoadReporter exposes the shedder's counters.
type LoadReporter interface {
	Stats() shed.Stats
}

// PoolReporter exposes resource pool counters.
type PoolReporter interface {
	Stats() map[string]pool.Stats
}

// PolicyStore persists guard policy overrides.
type PolicyStore interface {
	ListGuardPolicies(ctx context.Context) ([]store.GuardPolicyRow, error)
	LoadPolicyConfig(ctx context.Context) (*engine.PolicyConfig, error)
	UpsertGuardPolicy(ctx context.Context, name string, p engine.GuardPolicy) (*store.GuardPolicyRow, error)
	DeleteGuardPolicy(ctx context.Context, name string) error
}

// EventReader queries stored inspection events.
type EventReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetEvent(ctx context.Context, requestID string) (*chread.EventRow, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Engine      *engine.Engine
	Incremental *incremental.Inspector
	Breaker     BreakerRegistry // nil hides /v1/breakers
	Shedder     LoadReporter    // nil hides /v1/load
	Pools       PoolReporter    // nil hides /v1/pools
	Policies    PolicyStore     // nil hides /v1/policies
	Events      EventReader     // nil hides /v1/events and /v1/analytics

	// BasePolicies are the file-configured overrides. Stored policies are
	// merged on top of them whenever the table changes.
	BasePolicies *engine.PolicyConfig

	Writer storage.EventWriter
	Auth   auth.Authenticator // nil disables authentication
	Logger *zap.Logger

	MaxBodyBytes   int64
	MaxStreamBytes int64
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Writer == nil {
		deps.Writer = storage.NewLogWriter(deps.Logger)
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.MaxStreamBytes <= 0 {
		deps.MaxStreamBytes = DefaultMaxStreamBytes
	}

	mux := http.NewServeMux()

	// Inspection (auth required via Bearer rmp_ token)
	mux.HandleFunc("POST /v1/inspect", deps.authMiddleware(deps.handleInspect))
	mux.HandleFunc("GET /v1/plan", deps.authMiddleware(deps.handleGetPlan))
	if deps.Incremental != nil {
		mux.HandleFunc("POST /v1/inspect/stream", deps.authMiddleware(deps.handleInspectStream))
		mux.HandleFunc("POST /v1/inspect/checkpoints", deps.authMiddleware(deps.handleCreateCheckpoint))
		mux.HandleFunc("POST /v1/inspect/checkpoints/{id}/resume", deps.authMiddleware(deps.handleResumeCheckpoint))
	}

	// Runtime state
	if deps.Breaker != nil {
		mux.HandleFunc("GET /v1/breakers", deps.authMiddleware(deps.handleListBreakers))
		mux.HandleFunc("POST /v1/breakers/{guard}/reset", deps.authMiddleware(deps.handleResetBreaker))
	}
	if deps.Shedder != nil {
		mux.HandleFunc("GET /v1/load", deps.authMiddleware(deps.handleGetLoad))
	}
	if deps.Pools != nil {
		mux.HandleFunc("GET /v1/pools", deps.authMiddleware(deps.handleGetPools))
	}

	// Policy CRUD
	if deps.Policies != nil {
		mux.HandleFunc("GET /v1/policies", deps.authMiddleware(deps.handleListPolicies))
		mux.HandleFunc("PUT /v1/policies/{guard}", deps.authMiddleware(deps.handlePutPolicy))
		mux.HandleFunc("DELETE /v1/policies/{guard}", deps.authMiddleware(deps.handleDeletePolicy))
	}

	// Event history
	if deps.Events != nil {
		mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))
		mux.HandleFunc("GET /v1/events/{request_id}", deps.authMiddleware(deps.handleGetEvent))
		mux.HandleFunc("GET /v1/analytics", deps.authMiddleware(deps.handleGetAnalytics))
	}

	// Health check and metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
