// Package engine is the render scheduler and run state machine. It owns the
// ready queue, the active-run registry, and every Run/Project status
// transition; external code only calls Enqueue, Retry, Cancel, Subscribe,
// RestoreAfterRestart, and Shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/cache"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/logqueue"
	"github.com/reelworks/reel/internal/metrics"
)

// snapshotLogTail is how many trailing log entries the initial state
// snapshot carries to a new subscriber.
const snapshotLogTail = 100

// storeWriteTimeout bounds state-transition writes. Transition writes use a
// context detached from the run's cancellation token so a cancel signal can
// never corrupt the terminal write itself.
const storeWriteTimeout = 10 * time.Second

// Options configures an Engine. Zero values fall back to the defaults.
type Options struct {
	MaxConcurrentRuns int // default 1
	MaxQueueSize      int // default 100
	Metrics           *metrics.Metrics
	Clock             Clock
}

// Engine schedules render runs: bounded FIFO admission, one worker per
// active run, cooperative cancellation, restart recovery.
type Engine struct {
	store Store
	exec  StepExecutor
	bcast *broadcast.Broadcaster
	logs  *logqueue.Manager
	met   *metrics.Metrics
	clock Clock

	// plans caches plan versions, which are immutable once a run references
	// them. Saves a store read per claim and per retry.
	plans *cache.Cache[uuid.UUID, *domain.PlanVersion]

	maxConcurrent int
	maxQueueSize  int

	queue *readyQueue
	wake  chan struct{} // buffered(1); kicks the admission loop

	mu       sync.Mutex
	active   map[uuid.UUID]context.CancelFunc
	draining bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	loopDone chan struct{}
	started  bool
}

// New creates an Engine. Call Start (usually after RestoreAfterRestart) to
// begin admitting runs.
func New(store Store, exec StepExecutor, bcast *broadcast.Broadcaster, logs *logqueue.Manager, opts Options) *Engine {
	if opts.MaxConcurrentRuns < 1 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.MaxQueueSize < 1 {
		opts.MaxQueueSize = 100
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store: store,
		exec:  exec,
		bcast: bcast,
		logs:  logs,
		met:   opts.Metrics,
		clock: opts.Clock,
		plans: cache.New[uuid.UUID, *domain.PlanVersion](cache.Options{
			TTL:        5 * time.Minute,
			MaxEntries: 500,
		}),
		maxConcurrent: opts.MaxConcurrentRuns,
		maxQueueSize:  opts.MaxQueueSize,
		queue:         newReadyQueue(),
		wake:          make(chan struct{}, 1),
		active:        make(map[uuid.UUID]context.CancelFunc),
		baseCtx:       ctx,
		cancel:        cancel,
		loopDone:      make(chan struct{}),
	}
}

// Start launches the admission loop. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.admissionLoop()
	slog.Info("engine: started", "max_concurrent_runs", e.maxConcurrent, "max_queue_size", e.maxQueueSize)
}

// Enqueue creates a Run for the plan version and offers it to the ready
// queue. Returns ErrQueueFull under back-pressure, ErrPrecondition when the
// step executor reports itself unready, ErrShuttingDown during shutdown.
func (e *Engine) Enqueue(ctx context.Context, planVersionID uuid.UUID) (*domain.Run, error) {
	if e.isDraining() {
		return nil, ErrShuttingDown
	}
	if rc, ok := e.exec.(ReadyChecker); ok {
		if err := rc.Ready(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
	}

	plan, err := e.getPlan(ctx, planVersionID)
	if err != nil {
		return nil, fmt.Errorf("load plan version: %w", err)
	}

	if e.queue.len() >= e.maxQueueSize {
		return nil, ErrQueueFull
	}

	now := e.clock.Now()
	run := &domain.Run{
		ID:            uuid.New(),
		ProjectID:     plan.ProjectID,
		PlanVersionID: plan.ID,
		Status:        domain.RunStatusQueued,
		Progress:      0,
		Artifacts:     make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.queue.push(run.ID)
	e.met.RunQueued()
	e.kick()

	slog.Info("engine: run enqueued", "run_id", run.ID, "project_id", run.ProjectID, "plan_version_id", plan.ID)
	return run, nil
}

// Retry re-enqueues a terminal run. Only failed, canceled, and qa_failed
// runs are retryable. When fromStep is non-nil the resume state is truncated
// so that step and everything after it re-execute.
func (e *Engine) Retry(ctx context.Context, runID uuid.UUID, fromStep *domain.Step) (*domain.Run, error) {
	if e.isDraining() {
		return nil, ErrShuttingDown
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if !run.Status.Retryable() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, run.Status)
	}

	if fromStep != nil {
		if domain.StepIndex(*fromStep) < 0 {
			return nil, fmt.Errorf("%w: unknown step %q", ErrNotRetryable, *fromStep)
		}
		if err := e.store.ResetResumeState(ctx, runID, *fromStep); err != nil {
			return nil, fmt.Errorf("reset resume state: %w", err)
		}
		run.Resume.TruncateFrom(*fromStep)
	}

	progress := domain.ProgressFor(run.Resume.CompletedSteps)
	noStep := ""
	t := domain.Transition{
		RunID:       runID,
		From:        run.Status,
		To:          domain.RunStatusQueued,
		Progress:    &progress,
		CurrentStep: &noStep,
		ProjectID:   run.ProjectID,
	}
	if err := e.store.TransitionRun(ctx, t); err != nil {
		return nil, fmt.Errorf("transition to queued: %w", err)
	}

	e.logs.Append(runID, domain.LogLevelInfo, "retry requested")
	e.bcast.Emit(runID, broadcast.Event{
		Type: broadcast.EventTransition,
		Data: broadcast.TransitionPayload{From: run.Status, To: domain.RunStatusQueued},
	})

	prior := run.Status
	run.Status = domain.RunStatusQueued
	run.Progress = progress
	run.CurrentStep = ""

	e.queue.push(runID)
	e.met.RunQueued()
	e.kick()

	slog.Info("engine: run re-enqueued", "run_id", runID, "previous_status", prior)
	return run, nil
}

// Cancel stops a run. A queued run is removed from the ready queue and
// transitioned directly; a running run has its cancellation token signaled
// and the worker completes the transition at its next suspension point.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrNotCancelable, run.Status)
	}

	if run.Status == domain.RunStatusRunning {
		e.mu.Lock()
		cancelRun, ok := e.active[runID]
		e.mu.Unlock()
		if ok {
			cancelRun()
			slog.Info("engine: cancellation signaled", "run_id", runID)
			return nil
		}
		// Running in the store but no live worker: an orphan of a previous
		// process. Transition it directly.
		return e.cancelDirect(ctx, run)
	}

	if e.queue.remove(runID) {
		e.met.RunDequeued()
	}
	return e.cancelDirect(ctx, run)
}

// cancelDirect transitions a non-executing run straight to canceled.
func (e *Engine) cancelDirect(ctx context.Context, run *domain.Run) error {
	t := domain.Transition{
		RunID:     run.ID,
		From:      run.Status,
		To:        domain.RunStatusCanceled,
		ProjectID: run.ProjectID,
	}
	if err := e.store.TransitionRun(ctx, t); err != nil {
		if errors.Is(err, ErrNotFound) {
			// The run changed state under us; a terminal state wins.
			return ErrNotCancelable
		}
		return fmt.Errorf("transition to canceled: %w", err)
	}

	e.bcast.Emit(run.ID, broadcast.Event{
		Type: broadcast.EventTransition,
		Data: broadcast.TransitionPayload{From: run.Status, To: domain.RunStatusCanceled},
	})
	// The run never held a worker in this process, so the running gauge
	// must not move.
	e.met.RunAborted(string(domain.RunStatusCanceled))
	slog.Info("engine: run canceled", "run_id", run.ID, "was", run.Status)
	return nil
}

// Subscribe attaches a progress listener to the run. The subscriber first
// receives a state snapshot, then live events in emission order, then
// heartbeats during silence. Detach with Unsubscribe.
func (e *Engine) Subscribe(ctx context.Context, runID uuid.UUID) (*broadcast.Subscriber, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	sub, err := e.bcast.Register(runID)
	if err != nil {
		return nil, err
	}

	logs, err := e.store.GetRunLogs(ctx, runID)
	if err != nil {
		slog.Warn("engine: snapshot logs unavailable", "run_id", runID, "error", err)
		logs = nil
	}
	if len(logs) > snapshotLogTail {
		logs = logs[len(logs)-snapshotLogTail:]
	}

	e.bcast.Push(sub, broadcast.Event{
		Type: broadcast.EventState,
		Data: broadcast.StatePayload{
			Status:      run.Status,
			Progress:    run.Progress,
			CurrentStep: run.CurrentStep,
			Logs:        logs,
		},
	})
	e.met.SubscriberAttached()
	return sub, nil
}

// Unsubscribe detaches a subscriber registered through Subscribe.
func (e *Engine) Unsubscribe(sub *broadcast.Subscriber) {
	if sub == nil {
		return
	}
	e.bcast.Unregister(sub)
	e.met.SubscriberDetached()
}

// RestoreAfterRestart reconciles durable state with an empty process: runs
// stuck in running are failed (the previous process died mid-pipeline) and
// queued runs are rehydrated into the ready queue in createdAt order. Call
// once at boot, before Start and before serving traffic.
func (e *Engine) RestoreAfterRestart(ctx context.Context) error {
	stuck, err := e.store.FindStuckRuns(ctx)
	if err != nil {
		return fmt.Errorf("scan stuck runs: %w", err)
	}
	for i := range stuck {
		run := &stuck[i]
		if err := e.failOrphan(ctx, run); err != nil {
			slog.Error("engine: restore failed for stuck run", "run_id", run.ID, "error", err)
		}
	}

	queued, err := e.store.FindQueuedRuns(ctx)
	if err != nil {
		return fmt.Errorf("scan queued runs: %w", err)
	}
	for i := range queued {
		e.queue.push(queued[i].ID)
		e.met.RunQueued()
	}

	if len(stuck) > 0 || len(queued) > 0 {
		slog.Info("engine: restored after restart", "failed_stuck", len(stuck), "requeued", len(queued))
	}
	e.kick()
	return nil
}

// FailOrphaned fails a run that is marked running but has no live worker.
// The reaper uses it for runs stuck past the liveness timeout.
func (e *Engine) FailOrphaned(ctx context.Context, runID uuid.UUID) error {
	e.mu.Lock()
	_, live := e.active[runID]
	e.mu.Unlock()
	if live {
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status != domain.RunStatusRunning {
		return nil
	}
	return e.failOrphan(ctx, run)
}

// failOrphan transitions a worker-less running run to failed, pointing the
// project at FAILED unless a newer run already succeeded for it.
func (e *Engine) failOrphan(ctx context.Context, run *domain.Run) error {
	projectStatus := domain.ProjectStatusFailed
	t := domain.Transition{
		RunID:         run.ID,
		From:          domain.RunStatusRunning,
		To:            domain.RunStatusFailed,
		CurrentStep:   ptr("error"),
		ProjectID:     run.ProjectID,
		ProjectStatus: &projectStatus,
	}

	newer, err := e.store.HasSuccessfulRunSince(ctx, run.ProjectID, run.CreatedAt)
	if err != nil {
		slog.Warn("engine: successful-run lookup failed, assuming none", "project_id", run.ProjectID, "error", err)
	}
	if newer {
		t.ProjectStatus = nil
	}

	if err := e.store.TransitionRun(ctx, t); err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	entry := domain.LogEntry{
		Timestamp: e.clock.Now(),
		Level:     domain.LogLevelWarn,
		Message:   "marked as failed after restart",
	}
	if err := e.store.AppendRunLogs(ctx, run.ID, []domain.LogEntry{entry}); err != nil {
		slog.Error("engine: restart log append failed", "run_id", run.ID, "error", err)
	}
	e.bcast.Emit(run.ID, broadcast.Event{
		Type: broadcast.EventTransition,
		Data: broadcast.TransitionPayload{From: domain.RunStatusRunning, To: domain.RunStatusFailed},
	})
	e.met.RunAborted(string(domain.RunStatusFailed))
	slog.Warn("engine: stuck run failed", "run_id", run.ID, "project_id", run.ProjectID)
	return nil
}

// Shutdown stops admission, signals every active run's cancellation token,
// waits for workers to finish their cancellation transitions, then drains
// the log queues and the broadcaster. Bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	started := e.started
	active := len(e.active)
	e.mu.Unlock()

	slog.Info("engine: shutting down", "active_runs", active, "queued", e.queue.len())

	// Cancels the admission loop and, transitively, every run context.
	e.cancel()

	workersDone := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}

	if started {
		select {
		case <-e.loopDone:
		case <-ctx.Done():
			return fmt.Errorf("wait for admission loop: %w", ctx.Err())
		}
	}

	if err := e.logs.Drain(ctx); err != nil {
		return err
	}
	e.bcast.DrainAll()
	slog.Info("engine: shutdown complete")
	return nil
}

// QueueDepth returns the current ready-queue length.
func (e *Engine) QueueDepth() int { return e.queue.len() }

// ActiveRuns returns the number of runs with a live worker.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) isDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// kick nudges the admission loop; a pending kick is enough.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func ptr[T any](v T) *T { return &v }
