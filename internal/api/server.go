// Package api exposes the HTTP interface for the icon resolver service.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/config"
	"github.com/appfetch/icon-resolver/internal/hash/sha256"
	"github.com/appfetch/icon-resolver/internal/metrics"
	"github.com/appfetch/icon-resolver/internal/resolver"
)

// maxProgramNameLen bounds the accepted program name.
const maxProgramNameLen = 80

// ResolverService is the engine surface the HTTP layer depends on.
type ResolverService interface {
	Resolve(ctx context.Context, programID int64, programName string) (*resolver.Outcome, error)
}

// Server wires HTTP handlers to the resolution engine.
type Server struct {
	router   chi.Router
	resolver ResolverService
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(res ResolverService, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		resolver: res,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/icons/resolve", s.resolveIcon)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type resolveRequest struct {
	ProgramName string `json:"program_name"`
	ProgramID   int64  `json:"program_id"`
}

type resolveResponse struct {
	Status    string `json:"status"`
	ImageData string `json:"image_data,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) resolveIcon(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProgramName == "" || req.ProgramID <= 0 {
		writeError(w, http.StatusBadRequest, "program_name and program_id are required")
		return
	}
	if len(req.ProgramName) > maxProgramNameLen {
		writeError(w, http.StatusBadRequest, "program_name too long")
		return
	}
	if s.cfg.Auth.Enabled && !s.validHash(r, req) {
		writeError(w, http.StatusBadRequest, "invalid request hash")
		return
	}

	start := time.Now()
	outcome, err := s.resolver.Resolve(r.Context(), req.ProgramID, req.ProgramName)
	if err != nil {
		s.logger.Error("resolution failed",
			zap.Int64("program_id", req.ProgramID),
			zap.String("program_name", req.ProgramName),
			zap.Error(err),
		)
		metrics.ObserveResolution("error", false, time.Since(start))
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	if !outcome.Resolved {
		metrics.ObserveResolution("not_found", false, time.Since(start))
		writeJSON(w, http.StatusOK, resolveResponse{
			Status:  "not_found",
			Message: outcome.Reason,
		})
		return
	}

	metrics.ObserveResolution("resolved", outcome.FromCache, time.Since(start))
	writeJSON(w, http.StatusOK, resolveResponse{
		Status:    "resolved",
		ImageData: outcome.DataURI,
		SourceURL: outcome.SourceURL,
		Cached:    outcome.FromCache,
	})
}

// validHash compares the caller-supplied X-Hash against the salted digest
// of the request body fields in constant time.
func (s *Server) validHash(r *http.Request, req resolveRequest) bool {
	expected := sha256.RequestHash(req.ProgramName, req.ProgramID, s.cfg.Auth.Secret)
	provided := r.Header.Get("X-Hash")
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
