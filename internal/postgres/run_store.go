package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// runColumns is the shared column list for run queries.
const runColumns = `id, project_id, plan_version_id, status, progress, current_step,
       logs_json, artifacts_json, resume_state_json,
       views, likes, retention, posted_at, scheduled_publish_at, published_at,
       created_at, updated_at`

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, project_id, plan_version_id, status, progress, current_step,
		                  logs_json, artifacts_json, resume_state_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.ProjectID, run.PlanVersionID, run.Status, run.Progress, run.CurrentStep,
		encodeJSON(run.Logs), encodeJSON(run.Artifacts), encodeJSON(run.Resume),
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by project.
func (s *Store) ListRuns(ctx context.Context, projectID *uuid.UUID) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if projectID != nil {
		query += ` WHERE project_id = $1`
		args = append(args, *projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// TransitionRun performs a conditional status transition; the run row and,
// when requested, the project row move in one transaction. ErrNotFound
// means no run in the expected From state existed.
func (s *Store) TransitionRun(ctx context.Context, t domain.Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		UPDATE runs SET status = $3,
		       progress = COALESCE($4, progress),
		       current_step = COALESCE($5, current_step),
		       updated_at = now()
		WHERE id = $1 AND status = $2`,
		t.RunID, t.From, t.To, t.Progress, t.CurrentStep,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not in status %s: %w", t.RunID, t.From, engine.ErrNotFound)
	}

	if t.ProjectStatus != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`,
			t.ProjectID, *t.ProjectStatus,
		); err != nil {
			return fmt.Errorf("update project status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// SetCurrentStep records the step a worker is about to execute.
func (s *Store) SetCurrentStep(ctx context.Context, runID uuid.UUID, step domain.Step) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET current_step = $2, updated_at = now() WHERE id = $1`,
		runID, string(step),
	)
	if err != nil {
		return fmt.Errorf("set current step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
	}
	return nil
}

// CompleteStep merges a finished step's deltas into the run and applies any
// scene duration measurements, all in one transaction.
func (s *Store) CompleteStep(ctx context.Context, runID uuid.UUID, planVersionID uuid.UUID, sc domain.StepCompletion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var artifactsRaw, resumeRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT artifacts_json, resume_state_json FROM runs WHERE id = $1 FOR UPDATE`,
		runID,
	).Scan(&artifactsRaw, &resumeRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
		}
		return fmt.Errorf("lock run: %w", err)
	}

	artifacts := decodeArtifacts(runID, artifactsRaw)
	for k, v := range sc.ArtifactsDelta {
		artifacts[k] = v
	}
	resume := decodeResume(runID, resumeRaw)
	resume.MarkCompleted(sc.Step, sc.ResumeData)

	if _, err := tx.Exec(ctx, `
		UPDATE runs SET artifacts_json = $2, resume_state_json = $3, progress = $4, updated_at = now()
		WHERE id = $1`,
		runID, encodeJSON(artifacts), encodeJSON(resume), sc.Progress,
	); err != nil {
		return fmt.Errorf("update run step state: %w", err)
	}

	for idx, dur := range sc.SceneDurations {
		if _, err := tx.Exec(ctx,
			`UPDATE scenes SET duration_sec = $3 WHERE plan_version_id = $1 AND idx = $2`,
			planVersionID, idx, dur,
		); err != nil {
			return fmt.Errorf("update scene %d duration: %w", idx, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step tx: %w", err)
	}
	return nil
}

// ResetResumeState drops fromStep and later steps from the run's completed
// set ahead of a retry.
func (s *Store) ResetResumeState(ctx context.Context, runID uuid.UUID, fromStep domain.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var resumeRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT resume_state_json FROM runs WHERE id = $1 FOR UPDATE`, runID,
	).Scan(&resumeRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
		}
		return fmt.Errorf("lock run: %w", err)
	}

	resume := decodeResume(runID, resumeRaw)
	resume.TruncateFrom(fromStep)

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET resume_state_json = $2, updated_at = now() WHERE id = $1`,
		runID, encodeJSON(resume),
	); err != nil {
		return fmt.Errorf("update resume state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

// FindQueuedRuns returns queued runs ordered by createdAt ascending.
func (s *Store) FindQueuedRuns(ctx context.Context) ([]domain.Run, error) {
	return s.findByStatus(ctx, domain.RunStatusQueued)
}

// FindStuckRuns returns runs still marked running.
func (s *Store) FindStuckRuns(ctx context.Context) ([]domain.Run, error) {
	return s.findByStatus(ctx, domain.RunStatusRunning)
}

func (s *Store) findByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("find runs by status: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// FindRunningUpdatedBefore returns running runs untouched since the cutoff.
func (s *Store) FindRunningUpdatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`,
		domain.RunStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale running runs: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// DeleteTerminalRunsBefore removes terminal runs created before the cutoff.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runs
		WHERE status IN ($1, $2, $3, $4) AND created_at < $5`,
		domain.RunStatusDone, domain.RunStatusFailed, domain.RunStatusCanceled, domain.RunStatusQAFailed,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HasSuccessfulRunSince reports whether the project has a done run created
// after the given time.
func (s *Store) HasSuccessfulRunSince(ctx context.Context, projectID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE project_id = $1 AND status = $2 AND created_at > $3
		)`,
		projectID, domain.RunStatusDone, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check successful runs: %w", err)
	}
	return exists, nil
}

// GetRunLogs returns the run's log entries in append order.
func (s *Store) GetRunLogs(ctx context.Context, runID uuid.UUID) ([]domain.LogEntry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT logs_json FROM runs WHERE id = $1`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get run logs: %w", err)
	}
	return decodeLogs(runID, raw), nil
}

// AppendRunLogs appends entries to the run's log column. Callers must
// serialize appends per run; the log queue guarantees that.
func (s *Store) AppendRunLogs(ctx context.Context, runID uuid.UUID, entries []domain.LogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT logs_json FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, engine.ErrNotFound)
		}
		return fmt.Errorf("lock run logs: %w", err)
	}

	logs := append(decodeLogs(runID, raw), entries...)
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET logs_json = $2, updated_at = now() WHERE id = $1`,
		runID, encodeJSON(logs),
	); err != nil {
		return fmt.Errorf("update run logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log tx: %w", err)
	}
	return nil
}

// scanRun maps one runColumns row into a domain.Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run                              domain.Run
		logsRaw, artifactsRaw, resumeRaw []byte
	)
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.PlanVersionID, &run.Status, &run.Progress, &run.CurrentStep,
		&logsRaw, &artifactsRaw, &resumeRaw,
		&run.Views, &run.Likes, &run.Retention, &run.PostedAt, &run.ScheduledPublishAt, &run.PublishedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Logs = decodeLogs(run.ID, logsRaw)
	run.Artifacts = decodeArtifacts(run.ID, artifactsRaw)
	run.Resume = decodeResume(run.ID, resumeRaw)
	return &run, nil
}
