// Package reaper runs the periodic maintenance sweep: failing runs whose
// worker died without a restart, and pruning terminal runs past the
// retention window.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/reelworks/reel/internal/domain"
)

// Store is the persistence slice the sweep reads and prunes.
type Store interface {
	FindRunningUpdatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Run, error)
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Engine fails orphaned runs through the same path restart recovery uses,
// so live workers are never clobbered.
type Engine interface {
	FailOrphaned(ctx context.Context, runID uuid.UUID) error
}

// Config controls the sweep cadence and thresholds.
type Config struct {
	// Schedule is a standard 5-field cron spec.
	Schedule string

	// StuckRunTimeout is how long a running run may go without a store
	// update before it is considered orphaned.
	StuckRunTimeout time.Duration

	// RunRetention is how long terminal runs are kept before pruning.
	RunRetention time.Duration
}

// Stats summarizes one sweep.
type Stats struct {
	StuckFailed int
	RunsPruned  int
}

// Reaper is the background maintenance daemon.
type Reaper struct {
	store  Store
	engine Engine
	cfg    Config
	sched  cron.Schedule
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. The schedule is parsed eagerly so a bad spec fails
// at startup rather than at the first tick.
func New(store Store, engine Engine, cfg Config) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if cfg.StuckRunTimeout <= 0 {
		cfg.StuckRunTimeout = 30 * time.Minute
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 90 * 24 * time.Hour
	}

	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Reaper{store: store, engine: engine, cfg: cfg, sched: sched}, nil
}

// Start launches the sweep goroutine. Each tick waits for the next cron
// activation.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			next := r.sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.Sweep(ctx)
			}
		}
	}()
	slog.Info("reaper: started", "schedule", r.cfg.Schedule,
		"stuck_run_timeout", r.cfg.StuckRunTimeout, "run_retention", r.cfg.RunRetention)
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Sweep executes one maintenance pass. Tasks are isolated: a failure in one
// does not stop the other.
func (r *Reaper) Sweep(ctx context.Context) Stats {
	var stats Stats
	stats.StuckFailed = r.failStuckRuns(ctx)
	stats.RunsPruned = r.pruneRuns(ctx)
	if stats.StuckFailed > 0 || stats.RunsPruned > 0 {
		slog.Info("reaper: sweep completed",
			"stuck_failed", stats.StuckFailed, "runs_pruned", stats.RunsPruned)
	}
	return stats
}

// failStuckRuns fails running runs with no store update inside the timeout.
// The engine skips runs that still have a live worker.
func (r *Reaper) failStuckRuns(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.cfg.StuckRunTimeout)
	stuck, err := r.store.FindRunningUpdatedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: find stuck runs failed", "error", err)
		return 0
	}

	failed := 0
	for _, run := range stuck {
		if err := r.engine.FailOrphaned(ctx, run.ID); err != nil {
			slog.Error("reaper: fail stuck run failed", "run_id", run.ID, "error", err)
			continue
		}
		slog.Warn("reaper: failed stuck run", "run_id", run.ID,
			"updated_at", run.UpdatedAt)
		failed++
	}
	return failed
}

// pruneRuns deletes terminal runs older than the retention window.
func (r *Reaper) pruneRuns(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.cfg.RunRetention)
	n, err := r.store.DeleteTerminalRunsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: prune runs failed", "error", err)
		return 0
	}
	return n
}
