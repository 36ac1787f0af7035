package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/domain"
)

// Store is the persistence boundary the engine drives. Implemented by the
// postgres store (production) and the memory store (tests, DB-less dry-run).
//
// Methods that touch more than one row (TransitionRun, CompleteStep) must
// execute inside a single transaction so no partial run state survives an
// error. Malformed persisted JSON blobs decode to empty defaults — parse
// errors never surface above this interface.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// TransitionRun updates the run's status/progress/currentStep and, when
	// the transition carries a project status, the owning project row, in
	// one transaction. The update is conditional on t.From so a racing
	// transition loses cleanly; ErrNotFound is returned when no row in the
	// expected state exists.
	TransitionRun(ctx context.Context, t domain.Transition) error

	// SetCurrentStep records the step a running worker is about to execute.
	SetCurrentStep(ctx context.Context, runID uuid.UUID, step domain.Step) error

	// CompleteStep merges a finished step's artifact and resume deltas,
	// writes the recomputed progress, and applies any scene duration
	// write-backs, in one transaction.
	CompleteStep(ctx context.Context, runID uuid.UUID, planVersionID uuid.UUID, sc domain.StepCompletion) error

	// ResetResumeState removes fromStep and all later steps from the run's
	// completed set so a retry re-executes from there.
	ResetResumeState(ctx context.Context, runID uuid.UUID, fromStep domain.Step) error

	// FindQueuedRuns returns runs with status=queued ordered by createdAt
	// ascending. Used to rehydrate the ready queue after a restart.
	FindQueuedRuns(ctx context.Context) ([]domain.Run, error)

	// FindStuckRuns returns runs still marked running; after a restart
	// these are orphans of the previous process.
	FindStuckRuns(ctx context.Context) ([]domain.Run, error)

	// HasSuccessfulRunSince reports whether the project has a done run
	// created after the given time. Governs whether a restart-failed run
	// drags its project to FAILED.
	HasSuccessfulRunSince(ctx context.Context, projectID uuid.UUID, since time.Time) (bool, error)

	GetRunLogs(ctx context.Context, runID uuid.UUID) ([]domain.LogEntry, error)
	AppendRunLogs(ctx context.Context, runID uuid.UUID, entries []domain.LogEntry) error

	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	GetPlanVersion(ctx context.Context, id uuid.UUID) (*domain.PlanVersion, error)
}

// StepResult is what a step body hands back on success.
type StepResult struct {
	// Artifacts maps artifact keys (e.g. "captions", "final_video") to
	// paths under the run's artifact directory.
	Artifacts map[string]string

	// ResumeData is the step's opaque resume blob, persisted so a retried
	// run can skip completed sub-work.
	ResumeData []byte

	// SceneDurations carries measured narration durations (scene idx →
	// seconds) for steps that produce them; written back to Scene rows in
	// the same transaction as the step completion.
	SceneDurations map[int]float64
}

// StepExecutor implements the pipeline step bodies. Implementations must be
// idempotent given resume state, observe ctx at I/O boundaries, confine
// side effects to the run's artifact directory, and never write Run or
// Project status themselves.
type StepExecutor interface {
	Run(ctx context.Context, step domain.Step, run *domain.Run, plan *domain.PlanVersion) (*StepResult, error)
}

// ReadyChecker is optionally implemented by step executors that depend on
// external providers. Enqueue refuses work while Ready returns an error.
type ReadyChecker interface {
	Ready() error
}
