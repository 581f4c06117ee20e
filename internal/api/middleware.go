package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/triage-ai/rampart/internal/auth"
	"go.uber.org/zap"
)

// --- Auth middleware ---

// authMiddleware validates Bearer rmp_ tokens and injects the authenticated
// principal into the request context. Without an Authenticator every request
// passes through anonymously.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			next(w, r)
			return
		}

		token, err := auth.ParseBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}

		p, err := d.Auth.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrAuthUnavailable):
			d.Logger.Error("auth backend unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication unavailable"})
			return
		default:
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}

		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// keyIDFrom returns the authenticated key's ID, or "" for anonymous requests.
func keyIDFrom(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.KeyID
	}
	return ""
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// isTooLarge reports whether err came from an http.MaxBytesReader limit.
func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
