package api

import (
	"errors"
	"net/http"

	"github.com/reelworks/reel/internal/engine"
)

// HandleListProjects lists all projects.
//
// GET /api/v1/projects
func (s *Server) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		internalError(w, "failed to list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// HandleGetProject returns one project.
//
// GET /api/v1/projects/{projectID}
func (s *Server) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseUUIDParam(w, r, "projectID")
	if !ok {
		return
	}

	project, err := s.Store.GetProject(r.Context(), projectID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, project)
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
	default:
		internalError(w, "failed to load project", err)
	}
}
