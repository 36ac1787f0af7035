package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
	"github.com/reelworks/reel/internal/logqueue"
	"github.com/reelworks/reel/internal/memstore"
	"github.com/reelworks/reel/internal/metrics"
	"github.com/reelworks/reel/internal/steps"
)

const waitTimeout = 5 * time.Second

// testServer wires the full stack behind the router: in-memory store, a
// dry-run engine, and the HTTP surface under test.
type testServer struct {
	store  *memstore.Store
	eng    *engine.Engine
	dry    *config.DryRun
	root   string
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memstore.New()
	bcast := broadcast.New(100, time.Minute)
	logs := logqueue.New(store, bcast)
	logs.SetIdleGrace(50 * time.Millisecond)

	dry := config.NewDryRun(&config.Config{RenderDryRun: true})
	root := t.TempDir()
	eng := engine.New(store, steps.NewDryRun(root, dry), bcast, logs, engine.Options{
		MaxConcurrentRuns: 1,
		MaxQueueSize:      10,
	})
	eng.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	srv := &Server{
		Store:        store,
		Engine:       eng,
		DryRun:       dry,
		ArtifactRoot: root,
		Metrics:      metrics.New(),
	}
	return &testServer{
		store:  store,
		eng:    eng,
		dry:    dry,
		root:   root,
		router: NewRouter(srv),
	}
}

// seedPlan creates a project with one approved plan version.
func (ts *testServer) seedPlan(t *testing.T, scenes int) *domain.PlanVersion {
	t.Helper()
	ctx := context.Background()

	project := &domain.Project{
		ID:        uuid.New(),
		Title:     "test project",
		Status:    domain.ProjectStatusApproved,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.store.CreateProject(ctx, project))

	plan := &domain.PlanVersion{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Hook:      "hook",
		Outline:   "outline",
		CreatedAt: time.Now().UTC(),
	}
	for i := 0; i < scenes; i++ {
		plan.Scenes = append(plan.Scenes, domain.Scene{
			ID:            uuid.New(),
			PlanVersionID: plan.ID,
			Idx:           i,
			Narration:     "line",
			VisualPrompt:  "picture",
		})
	}
	require.NoError(t, ts.store.CreatePlanVersion(ctx, plan))
	return plan
}

func (ts *testServer) waitForStatus(t *testing.T, runID uuid.UUID, want domain.RunStatus) *domain.Run {
	t.Helper()
	var run *domain.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = ts.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, waitTimeout, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

// do runs a request through the router and returns the recorder.
func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a recorder body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// errorCode extracts the error.code field from an error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope apiError
	decode(t, rec, &envelope)
	return envelope.Error.Code
}

func jsonBody(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
