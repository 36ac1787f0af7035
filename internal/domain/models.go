// Package domain defines the core business types shared across reeld.
// These types represent the platform's data model — not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses, and because Run embeds three JSON-persisted blobs (logs,
// artifacts, resume state) that round-trip through the store. When the API
// shape diverges from the domain type, define a response struct in the api
// package instead.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle state of a video project.
type ProjectStatus string

const (
	ProjectStatusDraftPlan ProjectStatus = "DRAFT_PLAN"
	ProjectStatusPlanReady ProjectStatus = "PLAN_READY"
	ProjectStatusApproved  ProjectStatus = "APPROVED"
	ProjectStatusRendering ProjectStatus = "RENDERING"
	ProjectStatusDone      ProjectStatus = "DONE"
	ProjectStatusFailed    ProjectStatus = "FAILED"
)

// Project represents a single short-form video production.
type Project struct {
	ID                  uuid.UUID     `json:"id"`
	Title               string        `json:"title"`
	Status              ProjectStatus `json:"status"`
	LatestPlanVersionID *uuid.UUID    `json:"latest_plan_version_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// PlanVersion is an approved production plan: a hook, an outline, and an
// ordered list of scenes. Immutable once a Run references it.
type PlanVersion struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Hook      string    `json:"hook"`
	Outline   string    `json:"outline"`
	Scenes    []Scene   `json:"scenes"` // ordered, dense 0..N-1 by Idx
	CreatedAt time.Time `json:"created_at"`
}

// Scene is one narrated segment of a plan. DurationSec is written back by
// the tts step once narration audio has been synthesized and measured.
type Scene struct {
	ID            uuid.UUID `json:"id"`
	PlanVersionID uuid.UUID `json:"plan_version_id"`
	Idx           int       `json:"idx"`
	Narration     string    `json:"narration"`
	VisualPrompt  string    `json:"visual_prompt"`
	DurationSec   float64   `json:"duration_sec"`
}

// RunStatus represents the state of a render run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
	RunStatusQAFailed RunStatus = "qa_failed"
)

// Terminal returns true if the status is a final state: no further
// automatic transitions occur, only a user-driven retry.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusDone, RunStatusFailed, RunStatusCanceled, RunStatusQAFailed:
		return true
	}
	return false
}

// Retryable returns true if a run in this status may be re-enqueued.
func (s RunStatus) Retryable() bool {
	switch s {
	case RunStatusFailed, RunStatusCanceled, RunStatusQAFailed:
		return true
	}
	return false
}

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is a single run log line. Entries are append-only and ordered
// FIFO by submission within a run.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// ResumeState records which steps of a run are already completed and their
// per-step opaque data. Within one attempt it is monotonic: steps are only
// added, never removed. A retry with an explicit from-step truncates it.
type ResumeState struct {
	CompletedSteps []Step          `json:"completed_steps,omitempty"`
	PerStepData    map[Step][]byte `json:"per_step_data,omitempty"`
}

// Completed returns true if the step is recorded as completed.
func (rs ResumeState) Completed(step Step) bool {
	for _, s := range rs.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// MarkCompleted records the step and its opaque data. Idempotent per step.
func (rs *ResumeState) MarkCompleted(step Step, data []byte) {
	if !rs.Completed(step) {
		rs.CompletedSteps = append(rs.CompletedSteps, step)
	}
	if data != nil {
		if rs.PerStepData == nil {
			rs.PerStepData = make(map[Step][]byte)
		}
		rs.PerStepData[step] = data
	}
}

// TruncateFrom removes fromStep and every later step from the completed set
// (and their per-step data), so a retry re-executes the pipeline from there.
func (rs *ResumeState) TruncateFrom(fromStep Step) {
	cut := StepIndex(fromStep)
	if cut < 0 {
		return
	}
	kept := rs.CompletedSteps[:0]
	for _, s := range rs.CompletedSteps {
		if StepIndex(s) < cut {
			kept = append(kept, s)
			continue
		}
		delete(rs.PerStepData, s)
	}
	rs.CompletedSteps = kept
}

// Run represents one attempt to render one approved PlanVersion.
type Run struct {
	ID            uuid.UUID         `json:"id"`
	ProjectID     uuid.UUID         `json:"project_id"`
	PlanVersionID uuid.UUID         `json:"plan_version_id"`
	Status        RunStatus         `json:"status"`
	Progress      int               `json:"progress"` // 0..100
	CurrentStep   string            `json:"current_step"`
	Logs          []LogEntry        `json:"logs"`
	Artifacts     map[string]string `json:"artifacts"`
	Resume        ResumeState       `json:"resume_state"`

	// Post-publication analytics, populated by external collaborators.
	Views     int64    `json:"views"`
	Likes     int64    `json:"likes"`
	Retention *float64 `json:"retention,omitempty"`

	PostedAt           *time.Time `json:"posted_at,omitempty"`
	ScheduledPublishAt *time.Time `json:"scheduled_publish_at,omitempty"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition describes a run status change applied atomically by the store.
// When ProjectStatus is non-nil the owning project row is updated in the
// same transaction.
type Transition struct {
	RunID         uuid.UUID
	From          RunStatus
	To            RunStatus
	Progress      *int
	CurrentStep   *string
	ProjectID     uuid.UUID
	ProjectStatus *ProjectStatus
}

// StepCompletion carries the deltas a finished step merges into its run:
// artifact paths, resume-state data, and the recomputed progress.
type StepCompletion struct {
	Step           Step
	Progress       int
	ArtifactsDelta map[string]string
	ResumeData     []byte
	SceneDurations map[int]float64 // scene idx → measured seconds; empty for most steps
}
