package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/memstore"
)

// fakeEngine records which runs the sweep asked to fail.
type fakeEngine struct {
	mu     sync.Mutex
	failed []uuid.UUID
	err    error
}

func (f *fakeEngine) FailOrphaned(_ context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.failed = append(f.failed, runID)
	return nil
}

func (f *fakeEngine) failedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.failed...)
}

func seedRun(t *testing.T, store *memstore.Store, status domain.RunStatus, age time.Duration) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	run := &domain.Run{
		ID:            uuid.New(),
		ProjectID:     uuid.New(),
		PlanVersionID: uuid.New(),
		Status:        status,
		CreatedAt:     now.Add(-age),
		UpdatedAt:     now.Add(-age),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run.ID
}

func TestNewValidatesSchedule(t *testing.T) {
	store := memstore.New()

	_, err := New(store, &fakeEngine{}, Config{Schedule: "not a cron spec"})
	assert.Error(t, err)

	r, err := New(store, &fakeEngine{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", r.cfg.Schedule)
	assert.Equal(t, 30*time.Minute, r.cfg.StuckRunTimeout)
}

func TestSweepFailsStuckRuns(t *testing.T) {
	store := memstore.New()
	eng := &fakeEngine{}

	stuck := seedRun(t, store, domain.RunStatusRunning, time.Hour)
	fresh := seedRun(t, store, domain.RunStatusRunning, time.Minute)
	seedRun(t, store, domain.RunStatusQueued, time.Hour)

	r, err := New(store, eng, Config{StuckRunTimeout: 30 * time.Minute})
	require.NoError(t, err)

	stats := r.Sweep(context.Background())
	assert.Equal(t, 1, stats.StuckFailed)

	failed := eng.failedIDs()
	require.Len(t, failed, 1)
	assert.Equal(t, stuck, failed[0])
	assert.NotContains(t, failed, fresh)
}

func TestSweepPrunesOldTerminalRuns(t *testing.T) {
	store := memstore.New()
	eng := &fakeEngine{}

	old := seedRun(t, store, domain.RunStatusDone, 100*24*time.Hour)
	kept := seedRun(t, store, domain.RunStatusDone, time.Hour)
	running := seedRun(t, store, domain.RunStatusRunning, 100*24*time.Hour)

	r, err := New(store, eng, Config{
		StuckRunTimeout: 200 * 24 * time.Hour, // keep the stuck task quiet
		RunRetention:    90 * 24 * time.Hour,
	})
	require.NoError(t, err)

	stats := r.Sweep(context.Background())
	assert.Equal(t, 1, stats.RunsPruned)

	ctx := context.Background()
	_, err = store.GetRun(ctx, old)
	assert.Error(t, err, "pruned run should be gone")
	_, err = store.GetRun(ctx, kept)
	assert.NoError(t, err)
	_, err = store.GetRun(ctx, running)
	assert.NoError(t, err, "non-terminal runs are never pruned")
}

func TestStartStop(t *testing.T) {
	store := memstore.New()
	r, err := New(store, &fakeEngine{}, Config{Schedule: "* * * * *"})
	require.NoError(t, err)

	r.Start(context.Background())
	r.Stop()
}
