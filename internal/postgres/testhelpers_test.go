package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/postgres"
)

// testStore returns a Store connected to the test database. It skips the
// test if DATABASE_URL is not set, runs migrations, and cleans all tables
// before returning.
func testStore(t *testing.T) *postgres.Store {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)
	return postgres.NewStore(pool)
}

// cleanTables truncates all tables. Order matters for FK constraints.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"runs", "scenes", "plan_versions", "projects"} {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// seedPlan creates a project with a plan version and scenes.
func seedPlan(t *testing.T, store *postgres.Store, scenes int) *domain.PlanVersion {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &domain.Project{
		ID:        uuid.New(),
		Title:     "integration test project",
		Status:    domain.ProjectStatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateProject(ctx, project))

	plan := &domain.PlanVersion{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Hook:      "hook",
		Outline:   "outline",
		CreatedAt: now,
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
	require.NoError(t, store.CreatePlanVersion(ctx, plan))
	return plan
}

// seedRun creates a run for the plan in the given status.
func seedRun(t *testing.T, store *postgres.Store, plan *domain.PlanVersion, status domain.RunStatus) *domain.Run {
	t.Helper()
	now := time.Now().UTC()
	run := &domain.Run{
		ID:            uuid.New(),
		ProjectID:     plan.ProjectID,
		PlanVersionID: plan.ID,
		Status:        status,
		Artifacts:     make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}
