package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// CreateProject inserts a project row.
func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, title, status, latest_plan_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Title, p.Status, p.LatestPlanVersionID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	var p domain.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, status, latest_plan_version_id, created_at, updated_at
		FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Title, &p.Status, &p.LatestPlanVersionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns projects newest first.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, status, latest_plan_version_id, created_at, updated_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	result := []domain.Project{}
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Status, &p.LatestPlanVersionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CreatePlanVersion inserts a plan version with its scenes and points the
// project's latest plan at it, in one transaction.
func (s *Store) CreatePlanVersion(ctx context.Context, pv *domain.PlanVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `
		INSERT INTO plan_versions (id, project_id, hook, outline, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		pv.ID, pv.ProjectID, pv.Hook, pv.Outline, pv.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}

	for _, scene := range pv.Scenes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO scenes (id, plan_version_id, idx, narration, visual_prompt, duration_sec)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			scene.ID, pv.ID, scene.Idx, scene.Narration, scene.VisualPrompt, scene.DurationSec,
		); err != nil {
			return fmt.Errorf("insert scene %d: %w", scene.Idx, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projects SET latest_plan_version_id = $2, updated_at = now() WHERE id = $1`,
		pv.ProjectID, pv.ID,
	); err != nil {
		return fmt.Errorf("update project latest plan: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan tx: %w", err)
	}
	return nil
}

// GetPlanVersion returns a plan version with its scenes ordered by idx.
func (s *Store) GetPlanVersion(ctx context.Context, id uuid.UUID) (*domain.PlanVersion, error) {
	var pv domain.PlanVersion
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, hook, outline, created_at
		FROM plan_versions WHERE id = $1`, id,
	).Scan(&pv.ID, &pv.ProjectID, &pv.Hook, &pv.Outline, &pv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("plan version %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get plan version: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_version_id, idx, narration, visual_prompt, duration_sec
		FROM scenes WHERE plan_version_id = $1 ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var scene domain.Scene
		if err := rows.Scan(&scene.ID, &scene.PlanVersionID, &scene.Idx, &scene.Narration, &scene.VisualPrompt, &scene.DurationSec); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		pv.Scenes = append(pv.Scenes, scene)
	}
	return &pv, rows.Err()
}
