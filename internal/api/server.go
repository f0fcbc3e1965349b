// Package api exposes the HTTP interface for the schema-crawl job service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"schemagend/internal/config"
	"schemagend/internal/jobs"
	"schemagend/internal/metrics"
)

const requestTimeout = 60 * time.Second

// Server wires HTTP handlers to the job orchestrator.
type Server struct {
	router chi.Router
	orch   *jobs.Orchestrator
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch *jobs.Orchestrator, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(timeoutMiddleware(requestTimeout)).Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "schemagend",
		"key_configured": s.cfg.Crawler.APIKey != "",
	})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Job state is in-memory; once the process is up it is ready.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	BaseURL         string   `json:"base_url"`
	SitemapURL      string   `json:"sitemap_url"`
	MaxPages        *int     `json:"max_pages"`
	RateLimit       *float64 `json:"rate_limit"`
	TimeoutSeconds  *int     `json:"timeout"`
	AllowSubdomains *bool    `json:"allow_subdomains"`
	Model           string   `json:"model"`
	APIKey          string   `json:"api_key"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.orch.Submit(s.toParams(req))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrInvalidParams):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, jobs.ErrSaturated):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			s.logger.Error("job submit failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to start job")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"status":     string(jobs.StatusRunning),
		"message":    "crawl job started",
		"status_url": fmt.Sprintf("/v1/jobs/%s/status", jobID),
		"result_url": fmt.Sprintf("/v1/jobs/%s/result", jobID),
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.orch.Poll(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toStatusDTO(rec))
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rc, filename, err := s.orch.FetchResult(r.Context(), jobID)
	if err != nil {
		var failed *jobs.FailedError
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrNotReady):
			// Not a failure; the client should keep polling.
			s.writeJSON(w, http.StatusAccepted, map[string]string{
				"status":     string(jobs.StatusRunning),
				"error":      "job is still running",
				"status_url": fmt.Sprintf("/v1/jobs/%s/status", jobID),
			})
		case errors.As(err, &failed):
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status": string(jobs.StatusFailed),
				"error":  failed.Reason,
			})
		default:
			s.logger.Error("fetch result failed", zap.String("job_id", jobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load result")
		}
		return
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			s.logger.Warn("close result stream failed", zap.Error(closeErr))
		}
	}()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("result stream interrupted", zap.String("job_id", jobID), zap.Error(err))
	}
}

// toParams maps the request onto crawl parameters, filling omitted fields
// from the configured defaults.
func (s *Server) toParams(req submitRequest) jobs.Params {
	params := jobs.Params{
		BaseURL:         req.BaseURL,
		SitemapURL:      req.SitemapURL,
		MaxPages:        valueOrDefault(req.MaxPages, s.cfg.Crawler.MaxPagesDefault),
		RateLimit:       valueOrDefault(req.RateLimit, s.cfg.Crawler.RateLimitDefault),
		TimeoutSeconds:  valueOrDefault(req.TimeoutSeconds, s.cfg.Crawler.TimeoutDefault),
		AllowSubdomains: valueOrDefault(req.AllowSubdomains, false),
		Model:           req.Model,
		APIKey:          req.APIKey,
	}
	if params.Model == "" {
		params.Model = s.cfg.Crawler.ModelDefault
	}
	if params.APIKey == "" {
		params.APIKey = s.cfg.Crawler.APIKey
	}
	return params
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

type statusResponse struct {
	JobID       string       `json:"job_id"`
	Status      string       `json:"status"`
	Progress    []jobs.Event `json:"progress"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func toStatusDTO(rec jobs.Record) statusResponse {
	progress := rec.Progress
	if progress == nil {
		progress = []jobs.Event{}
	}
	return statusResponse{
		JobID:       rec.ID,
		Status:      string(rec.Status),
		Progress:    progress,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
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
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
