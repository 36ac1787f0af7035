package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReadyFailsWhenStoreDown(t *testing.T) {
	ts := newTestServer(t)

	srv := &Server{
		Store:  ts.store,
		Engine: ts.eng,
		ReadyCheck: func(ctx context.Context) error {
			return assert.AnError
		},
	}
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDEcho(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRequestLoggerPreservesFlusher(t *testing.T) {
	// The event stream asserts http.Flusher directly on the writer it gets,
	// so the logger's wrapper must forward Flush.
	var isFlusher bool
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, isFlusher = w.(http.Flusher)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/x/events", nil))
	assert.True(t, isFlusher)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reel_")
}

func TestProjects(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.seedPlan(t, 1)

	var listResp struct {
		Projects []map[string]any `json:"projects"`
	}
	rec := ts.do(t, http.MethodGet, "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listResp)
	assert.Len(t, listResp.Projects, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/projects/"+plan.ProjectID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/projects/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDryRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/v1/admin/dry-run",
		`{"enabled":true,"fail_step":"music_build","step_delay_ms":9999}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dryRunSettings
	decode(t, rec, &resp)
	assert.True(t, resp.Enabled)
	assert.Equal(t, "music_build", resp.FailStep)
	assert.Equal(t, 5000, resp.StepDelayMS, "delay is clamped")

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/dry-run",
		`{"enabled":true,"fail_step":"not_a_step"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
