package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelworks/reel/internal/artifacts"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

type createRunRequest struct {
	PlanVersionID uuid.UUID `json:"plan_version_id"`
}

// HandleCreateRun enqueues a render run for an approved plan version.
//
// POST /api/v1/runs
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.PlanVersionID == uuid.Nil {
		errorJSON(w, "plan_version_id is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	run, err := s.Engine.Enqueue(r.Context(), req.PlanVersionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "plan version not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, engine.ErrQueueFull):
		errorJSON(w, "render queue is full, try again later", "QUEUE_FULL", http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrPrecondition):
		errorJSON(w, err.Error(), "PRECONDITION_FAILED", http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrShuttingDown):
		errorJSON(w, "server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable)
	default:
		internalError(w, "failed to enqueue run", err)
	}
}

// HandleListRuns lists runs, optionally filtered by ?project_id=.
//
// GET /api/v1/runs
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	var projectID *uuid.UUID
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			errorJSON(w, "project_id must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		projectID = &id
	}

	runs, err := s.Store.ListRuns(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns one run with its logs and artifacts.
//
// GET /api/v1/runs/{runID}
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	run, err := s.Store.GetRun(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	default:
		internalError(w, "failed to load run", err)
	}
}

type retryRunRequest struct {
	FromStep string `json:"from_step"`
}

// HandleRetryRun re-enqueues a terminal run. An optional from_step forces the
// pipeline to re-execute from that step instead of resuming after the last
// completed one.
//
// POST /api/v1/runs/{runID}/retry
func (s *Server) HandleRetryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	var req retryRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	var fromStep *domain.Step
	if req.FromStep != "" {
		if !domain.ValidStep(req.FromStep) {
			errorJSON(w, "from_step is not a pipeline step", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		step := domain.Step(req.FromStep)
		fromStep = &step
	}

	run, err := s.Engine.Retry(r.Context(), runID, fromStep)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, engine.ErrNotRetryable):
		errorJSON(w, "only failed, canceled or qa_failed runs can be retried", "NOT_RETRYABLE", http.StatusConflict)
	case errors.Is(err, engine.ErrQueueFull):
		errorJSON(w, "render queue is full, try again later", "QUEUE_FULL", http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrShuttingDown):
		errorJSON(w, "server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable)
	default:
		internalError(w, "failed to retry run", err)
	}
}

// HandleCancelRun cancels a queued or running run.
//
// POST /api/v1/runs/{runID}/cancel
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	err := s.Engine.Cancel(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, engine.ErrNotCancelable):
		errorJSON(w, "run is already in a terminal state", "NOT_CANCELABLE", http.StatusConflict)
	default:
		internalError(w, "failed to cancel run", err)
	}
}

// HandleDownloadArtifact serves one artifact file from the run's directory.
// The wildcard path is resolved against the run directory and rejected if it
// escapes it.
//
// GET /api/v1/runs/{runID}/artifacts/*
func (s *Server) HandleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load run", err)
		return
	}

	rel := chi.URLParam(r, "*")
	path, err := artifacts.Resolve(s.ArtifactRoot, run.ProjectID, run.ID, rel)
	if err != nil {
		errorJSON(w, "invalid artifact path", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		errorJSON(w, "artifact not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	http.ServeFile(w, r, path)
}
