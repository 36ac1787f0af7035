// Package memstore is an in-memory Store implementation. It backs the test
// suites and the DB-less dry-run development mode; semantics mirror the
// postgres stores, including conditional transitions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// Store keeps all entities in maps behind one mutex. Every read returns a
// deep copy so callers can never alias internal state.
type Store struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*domain.Project
	plans    map[uuid.UUID]*domain.PlanVersion
	runs     map[uuid.UUID]*domain.Run
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		projects: make(map[uuid.UUID]*domain.Project),
		plans:    make(map[uuid.UUID]*domain.PlanVersion),
		runs:     make(map[uuid.UUID]*domain.Run),
	}
}

// CreateProject inserts a project.
func (s *Store) CreateProject(_ context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, engine.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListProjects returns all projects ordered by creation time descending.
func (s *Store) ListProjects(_ context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreatePlanVersion inserts a plan version with its scenes.
func (s *Store) CreatePlanVersion(_ context.Context, pv *domain.PlanVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pv
	cp.Scenes = append([]domain.Scene(nil), pv.Scenes...)
	s.plans[pv.ID] = &cp
	if p, ok := s.projects[pv.ProjectID]; ok {
		id := pv.ID
		p.LatestPlanVersionID = &id
	}
	return nil
}

// GetPlanVersion returns a plan version by ID.
func (s *Store) GetPlanVersion(_ context.Context, id uuid.UUID) (*domain.PlanVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan version %s: %w", id, engine.ErrNotFound)
	}
	cp := *pv
	cp.Scenes = append([]domain.Scene(nil), pv.Scenes...)
	return &cp, nil
}

// CreateRun inserts a run.
func (s *Store) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, engine.ErrNotFound)
	}
	return copyRun(run), nil
}

// ListRuns returns runs, newest first. projectID filters when non-nil.
func (s *Store) ListRuns(_ context.Context, projectID *uuid.UUID) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if projectID != nil && run.ProjectID != *projectID {
			continue
		}
		out = append(out, *copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// TransitionRun applies a conditional status transition; the run row and,
// when requested, the project row change together or not at all.
func (s *Store) TransitionRun(_ context.Context, t domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[t.RunID]
	if !ok || run.Status != t.From {
		return fmt.Errorf("run %s in status %s: %w", t.RunID, t.From, engine.ErrNotFound)
	}
	run.Status = t.To
	if t.Progress != nil {
		run.Progress = *t.Progress
	}
	if t.CurrentStep != nil {
		run.CurrentStep = *t.CurrentStep
	}
	run.UpdatedAt = time.Now().UTC()
	if t.ProjectStatus != nil {
		if p, ok := s.projects[t.ProjectID]; ok {
			p.Status = *t.ProjectStatus
			p.UpdatedAt = run.UpdatedAt
		}
	}
	return nil
}

// SetCurrentStep records the step a worker is about to execute.
func (s *Store) SetCurrentStep(_ context.Context, runID uuid.UUID, step domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}
	run.CurrentStep = string(step)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteStep merges a finished step's deltas into the run and writes any
// scene duration measurements back to the plan.
func (s *Store) CompleteStep(_ context.Context, runID uuid.UUID, planVersionID uuid.UUID, sc domain.StepCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}

	run.Resume.MarkCompleted(sc.Step, sc.ResumeData)
	run.Progress = sc.Progress
	if len(sc.ArtifactsDelta) > 0 && run.Artifacts == nil {
		run.Artifacts = make(map[string]string)
	}
	for k, v := range sc.ArtifactsDelta {
		run.Artifacts[k] = v
	}
	run.UpdatedAt = time.Now().UTC()

	if len(sc.SceneDurations) > 0 {
		if pv, ok := s.plans[planVersionID]; ok {
			for i := range pv.Scenes {
				if d, ok := sc.SceneDurations[pv.Scenes[i].Idx]; ok {
					pv.Scenes[i].DurationSec = d
				}
			}
		}
	}
	return nil
}

// ResetResumeState drops fromStep and later steps from the run's completed
// set.
func (s *Store) ResetResumeState(_ context.Context, runID uuid.UUID, fromStep domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}
	run.Resume.TruncateFrom(fromStep)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// FindQueuedRuns returns queued runs ordered by createdAt ascending.
func (s *Store) FindQueuedRuns(_ context.Context) ([]domain.Run, error) {
	return s.findByStatus(domain.RunStatusQueued)
}

// FindStuckRuns returns runs still marked running.
func (s *Store) FindStuckRuns(_ context.Context) ([]domain.Run, error) {
	return s.findByStatus(domain.RunStatusRunning)
}

func (s *Store) findByStatus(status domain.RunStatus) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.Status == status {
			out = append(out, *copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindRunningUpdatedBefore returns running runs whose last update is older
// than the cutoff. Used by the maintenance sweep.
func (s *Store) FindRunningUpdatedBefore(_ context.Context, cutoff time.Time) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.Status == domain.RunStatusRunning && run.UpdatedAt.Before(cutoff) {
			out = append(out, *copyRun(run))
		}
	}
	return out, nil
}

// DeleteTerminalRunsBefore removes terminal runs created before the cutoff
// and returns how many were deleted.
func (s *Store) DeleteTerminalRunsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, run := range s.runs {
		if run.Status.Terminal() && run.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

// HasSuccessfulRunSince reports whether the project has a done run created
// after the given time.
func (s *Store) HasSuccessfulRunSince(_ context.Context, projectID uuid.UUID, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ProjectID == projectID && run.Status == domain.RunStatusDone && run.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// GetRunLogs returns the run's log entries in append order.
func (s *Store) GetRunLogs(_ context.Context, runID uuid.UUID) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}
	return append([]domain.LogEntry(nil), run.Logs...), nil
}

// AppendRunLogs appends entries to the run's log in submission order.
func (s *Store) AppendRunLogs(_ context.Context, runID uuid.UUID, entries []domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}
	run.Logs = append(run.Logs, entries...)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func copyRun(run *domain.Run) *domain.Run {
	cp := *run
	cp.Logs = append([]domain.LogEntry(nil), run.Logs...)
	if run.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(run.Artifacts))
		for k, v := range run.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	cp.Resume.CompletedSteps = append([]domain.Step(nil), run.Resume.CompletedSteps...)
	if run.Resume.PerStepData != nil {
		cp.Resume.PerStepData = make(map[domain.Step][]byte, len(run.Resume.PerStepData))
		for k, v := range run.Resume.PerStepData {
			cp.Resume.PerStepData[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}
