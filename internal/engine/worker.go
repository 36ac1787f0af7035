package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/domain"
)

// admissionLoop feeds workers from the ready queue. It wakes on kick (new
// work, a freed slot) and exits when the engine context is canceled.
func (e *Engine) admissionLoop() {
	defer close(e.loopDone)
	for {
		e.admit()
		select {
		case <-e.baseCtx.Done():
			return
		case <-e.wake:
		}
	}
}

// admit starts workers while slots and queued runs remain.
func (e *Engine) admit() {
	for {
		e.mu.Lock()
		if e.draining || len(e.active) >= e.maxConcurrent {
			e.mu.Unlock()
			return
		}
		runID, ok := e.queue.pop()
		if !ok {
			e.mu.Unlock()
			return
		}
		runCtx, cancelRun := context.WithCancel(e.baseCtx)
		e.active[runID] = cancelRun
		e.workers.Add(1)
		e.mu.Unlock()

		e.met.RunDequeued()
		go e.work(runCtx, runID)
	}
}

// work drives one run from admission to a terminal state. ctx is the run's
// cancellation token; it covers step execution only — transition writes use
// detached contexts so a cancel signal cannot corrupt terminal state.
func (e *Engine) work(ctx context.Context, runID uuid.UUID) {
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		e.workers.Done()
		e.kick()
	}()

	run, ok := e.claim(runID)
	if !ok {
		return
	}
	e.met.RunStarted()

	plan, err := e.loadPlan(run)
	if err != nil {
		e.finishFailed(run, fmt.Errorf("load plan version: %w", err))
		return
	}

	for _, step := range domain.Steps {
		if run.Resume.Completed(step) {
			continue
		}
		if ctx.Err() != nil {
			e.finishCanceled(run)
			return
		}

		e.beginStep(run, step)

		startedAt := e.clock.Now()
		res, err := e.exec.Run(ctx, step, run, plan)
		e.met.ObserveStep(string(step), e.clock.Now().Sub(startedAt).Seconds())

		if err != nil {
			switch {
			case ctx.Err() != nil || errors.Is(err, context.Canceled):
				e.finishCanceled(run)
			case errors.Is(err, ErrVerificationFailed):
				e.finishQAFailed(run, err)
			default:
				e.finishFailed(run, err)
			}
			return
		}

		if err := e.completeStep(run, plan, step, res); err != nil {
			e.finishFailed(run, err)
			return
		}
	}

	e.finishDone(run)
}

// claim performs the queued→running transition. A run whose status changed
// while it waited in the queue (a concurrent cancel) is skipped and the
// slot freed.
func (e *Engine) claim(runID uuid.UUID) (*domain.Run, bool) {
	ctx, cancel := writeCtx()
	defer cancel()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("engine: claim load failed", "run_id", runID, "error", err)
		return nil, false
	}
	if run.Status != domain.RunStatusQueued {
		slog.Info("engine: skipping run no longer queued", "run_id", runID, "status", run.Status)
		return nil, false
	}

	first := firstIncomplete(run)
	projectStatus := domain.ProjectStatusRendering
	t := domain.Transition{
		RunID:         runID,
		From:          domain.RunStatusQueued,
		To:            domain.RunStatusRunning,
		CurrentStep:   ptr(string(first)),
		ProjectID:     run.ProjectID,
		ProjectStatus: &projectStatus,
	}
	if err := e.store.TransitionRun(ctx, t); err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Info("engine: run claimed elsewhere, skipping", "run_id", runID)
		} else {
			slog.Error("engine: claim transition failed", "run_id", runID, "error", err)
		}
		return nil, false
	}

	run.Status = domain.RunStatusRunning
	run.CurrentStep = string(first)

	e.bcast.Emit(runID, broadcast.Event{
		Type: broadcast.EventTransition,
		Data: broadcast.TransitionPayload{From: domain.RunStatusQueued, To: domain.RunStatusRunning},
	})
	e.logs.Append(runID, domain.LogLevelInfo, "render started")
	slog.Info("engine: run started", "run_id", runID, "project_id", run.ProjectID, "first_step", first)
	return run, true
}

func (e *Engine) loadPlan(run *domain.Run) (*domain.PlanVersion, error) {
	ctx, cancel := writeCtx()
	defer cancel()
	return e.getPlan(ctx, run.PlanVersionID)
}

// getPlan reads a plan version through the cache.
func (e *Engine) getPlan(ctx context.Context, id uuid.UUID) (*domain.PlanVersion, error) {
	if plan, ok := e.plans.Get(id); ok {
		return plan, nil
	}
	plan, err := e.store.GetPlanVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	e.plans.Set(id, plan)
	return plan, nil
}

// beginStep records and announces the step about to execute.
func (e *Engine) beginStep(run *domain.Run, step domain.Step) {
	ctx, cancel := writeCtx()
	defer cancel()

	if err := e.store.SetCurrentStep(ctx, run.ID, step); err != nil {
		slog.Error("engine: set current step failed", "run_id", run.ID, "step", step, "error", err)
	}
	run.CurrentStep = string(step)

	e.bcast.Emit(run.ID, broadcast.Event{
		Type: broadcast.EventStepStart,
		Data: broadcast.StepStartPayload{Step: step},
	})
	e.logs.Append(run.ID, domain.LogLevelInfo, fmt.Sprintf("step %s started", step))
}

// completeStep persists a successful step's deltas in one transaction and
// announces the new progress.
func (e *Engine) completeStep(run *domain.Run, plan *domain.PlanVersion, step domain.Step, res *StepResult) error {
	run.Resume.MarkCompleted(step, resumeData(res))
	progress := domain.ProgressFor(run.Resume.CompletedSteps)

	sc := domain.StepCompletion{
		Step:     step,
		Progress: progress,
	}
	if res != nil {
		sc.ArtifactsDelta = res.Artifacts
		sc.ResumeData = res.ResumeData
		sc.SceneDurations = res.SceneDurations
		for k, v := range res.Artifacts {
			if run.Artifacts == nil {
				run.Artifacts = make(map[string]string)
			}
			run.Artifacts[k] = v
		}
	}

	ctx, cancel := writeCtx()
	defer cancel()
	if err := e.store.CompleteStep(ctx, run.ID, plan.ID, sc); err != nil {
		return fmt.Errorf("persist step %s completion: %w", step, err)
	}
	run.Progress = progress

	e.bcast.Emit(run.ID, broadcast.Event{
		Type: broadcast.EventStepEnd,
		Data: broadcast.StepEndPayload{Step: step, Progress: progress},
	})
	e.logs.Append(run.ID, domain.LogLevelInfo, fmt.Sprintf("step %s completed", step))
	return nil
}

// finishDone transitions a fully-stepped run to done and its project to DONE.
func (e *Engine) finishDone(run *domain.Run) {
	e.terminal(run, domain.RunStatusDone, ptr(100), ptr(""), ptr(domain.ProjectStatusDone))
	e.logs.Append(run.ID, domain.LogLevelInfo, "render completed")
	slog.Info("engine: run done", "run_id", run.ID, "project_id", run.ProjectID)
}

// finishFailed records the error as a run log entry and transitions to
// failed. Resume state is untouched so Retry resumes at the failed step.
func (e *Engine) finishFailed(run *domain.Run, cause error) {
	e.logs.Append(run.ID, domain.LogLevelError, cause.Error())
	e.terminal(run, domain.RunStatusFailed, nil, nil, ptr(domain.ProjectStatusFailed))
	slog.Error("engine: run failed", "run_id", run.ID, "step", run.CurrentStep, "error", cause)
}

// finishQAFailed handles a verification failure in the finalize step: the
// pipeline ran to the end, so progress is 100, but the output did not pass.
func (e *Engine) finishQAFailed(run *domain.Run, cause error) {
	e.logs.Append(run.ID, domain.LogLevelError, cause.Error())
	e.terminal(run, domain.RunStatusQAFailed, ptr(100), nil, ptr(domain.ProjectStatusFailed))
	slog.Warn("engine: run failed verification", "run_id", run.ID, "error", cause)
}

// finishCanceled completes a cooperative cancellation. Resume state keeps
// every step that finished before the signal.
func (e *Engine) finishCanceled(run *domain.Run) {
	e.logs.Append(run.ID, domain.LogLevelInfo, "render canceled")
	e.terminal(run, domain.RunStatusCanceled, nil, nil, nil)
	slog.Info("engine: run canceled by signal", "run_id", run.ID)
}

// terminal writes the terminal transition and announces it.
func (e *Engine) terminal(run *domain.Run, to domain.RunStatus, progress *int, currentStep *string, projectStatus *domain.ProjectStatus) {
	ctx, cancel := writeCtx()
	defer cancel()

	t := domain.Transition{
		RunID:         run.ID,
		From:          run.Status,
		To:            to,
		Progress:      progress,
		CurrentStep:   currentStep,
		ProjectID:     run.ProjectID,
		ProjectStatus: projectStatus,
	}
	if err := e.store.TransitionRun(ctx, t); err != nil {
		slog.Error("engine: terminal transition failed", "run_id", run.ID, "to", to, "error", err)
	}

	from := run.Status
	run.Status = to
	if progress != nil {
		run.Progress = *progress
	}

	e.bcast.Emit(run.ID, broadcast.Event{
		Type: broadcast.EventTransition,
		Data: broadcast.TransitionPayload{From: from, To: to},
	})
	e.met.RunFinished(string(to))
}

// firstIncomplete returns the first pipeline step not yet in the run's
// resume state.
func firstIncomplete(run *domain.Run) domain.Step {
	for _, step := range domain.Steps {
		if !run.Resume.Completed(step) {
			return step
		}
	}
	return domain.Steps[len(domain.Steps)-1]
}

func resumeData(res *StepResult) []byte {
	if res == nil {
		return nil
	}
	return res.ResumeData
}

// writeCtx returns a context for state-transition writes, detached from any
// run cancellation token.
func writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeWriteTimeout)
}
