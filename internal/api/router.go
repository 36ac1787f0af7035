// Package api provides the HTTP handlers for reeld. All resource endpoints
// are mounted under /api/v1; health and metrics sit at the root.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/metrics"
)

// maxJSONBodySize caps JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Store is the read surface the API needs. The engine owns all writes.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, projectID *uuid.UUID) ([]domain.Run, error)
	GetRunLogs(ctx context.Context, runID uuid.UUID) ([]domain.LogEntry, error)
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// Engine is the command surface: every Run/Project state change goes
// through it.
type Engine interface {
	Enqueue(ctx context.Context, planVersionID uuid.UUID) (*domain.Run, error)
	Retry(ctx context.Context, runID uuid.UUID, fromStep *domain.Step) (*domain.Run, error)
	Cancel(ctx context.Context, runID uuid.UUID) error
	Subscribe(ctx context.Context, runID uuid.UUID) (*broadcast.Subscriber, error)
	Unsubscribe(sub *broadcast.Subscriber)
}

// Server bundles the API dependencies.
type Server struct {
	Store  Store
	Engine Engine
	DryRun *config.DryRun

	// ArtifactRoot anchors artifact downloads; requests outside a run's
	// directory are rejected.
	ArtifactRoot string

	CORSOrigins []string
	SSELimiter  *SSELimiter
	Metrics     *metrics.Metrics

	// Auth wraps the /api/v1 subtree. Nil means no authentication; health
	// and metrics stay open either way.
	Auth func(http.Handler) http.Handler

	// ReadyCheck reports readiness for /health/ready (usually a DB ping).
	// Nil means always ready.
	ReadyCheck func(ctx context.Context) error
}

// NewRouter builds the chi router with the standard middleware chain.
func NewRouter(srv *Server) chi.Router {
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter()
	}

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}
		r.Use(limitJSONBody)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", srv.HandleCreateRun)
			r.Get("/", srv.HandleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", srv.HandleGetRun)
				r.Post("/retry", srv.HandleRetryRun)
				r.Post("/cancel", srv.HandleCancelRun)
				r.Get("/events", srv.HandleRunEvents)
				r.Get("/artifacts/*", srv.HandleDownloadArtifact)
			})
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", srv.HandleListProjects)
			r.Get("/{projectID}", srv.HandleGetProject)
		})

		r.Put("/admin/dry-run", srv.HandleUpdateDryRun)
	})

	return r
}

// HandleMetrics serves the Prometheus registry.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	reg := s.Metrics.Registry()
	if reg == nil {
		errorJSON(w, "metrics not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// parseUUIDParam reads a UUID path parameter, writing a 400 on failure.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errorJSON(w, name+" must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// apiError is the single error envelope every endpoint uses.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{Error: apiErrorDetail{Code: code, Message: message}}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON
// error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets conservative defaults for a JSON API.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
