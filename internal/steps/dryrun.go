package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reelworks/reel/internal/artifacts"
	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// dryRunSceneDuration is the fixed per-scene narration length reported by
// the dry-run tts step.
const dryRunSceneDuration = 3.0

// DryRun is a StepExecutor that replaces every external provider with
// deterministic placeholder artifacts. An optional per-step delay and an
// injected failure step make engine behavior reproducible in tests.
type DryRun struct {
	root string
	cfg  *config.DryRun
}

// NewDryRun creates a dry-run executor writing under artifactRoot.
func NewDryRun(artifactRoot string, cfg *config.DryRun) *DryRun {
	return &DryRun{root: artifactRoot, cfg: cfg}
}

// Run executes one placeholder step.
func (d *DryRun) Run(ctx context.Context, step domain.Step, run *domain.Run, plan *domain.PlanVersion) (*engine.StepResult, error) {
	if delay := d.cfg.StepDelay(); delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if d.cfg.FailStep() == string(step) {
		return nil, fmt.Errorf("dry-run failure injected at step %s", step)
	}

	dir, err := artifacts.EnsureRunDirs(d.root, run.ProjectID, run.ID)
	if err != nil {
		return nil, err
	}

	switch step {
	case domain.StepTTSGenerate:
		return d.ttsGenerate(dir, plan)
	case domain.StepASRAlign:
		return d.asrAlign(dir, plan)
	case domain.StepImagesGenerate:
		return d.imagesGenerate(dir, plan)
	case domain.StepCaptionsBuild:
		return d.captionsBuild(dir, plan)
	case domain.StepMusicBuild:
		return d.musicBuild(dir)
	case domain.StepFFmpegRender:
		return d.ffmpegRender(dir, run)
	case domain.StepFinalizeArtifacts:
		return finalize(dir, run, plan, true)
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

func (d *DryRun) ttsGenerate(dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	durations := make(map[int]float64, len(plan.Scenes))
	for _, scene := range plan.Scenes {
		name := filepath.Join(artifacts.AudioDir, fmt.Sprintf("scene_%d.mp3", scene.Idx))
		if err := writePlaceholder(filepath.Join(dir, name), "dry-run narration audio"); err != nil {
			return nil, err
		}
		durations[scene.Idx] = dryRunSceneDuration
	}
	return &engine.StepResult{
		Artifacts:      map[string]string{"audio_dir": artifacts.AudioDir},
		ResumeData:     mustJSON(map[string]int{"scenes": len(plan.Scenes)}),
		SceneDurations: durations,
	}, nil
}

func (d *DryRun) asrAlign(dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	// Evenly spaced word timings derived from the fixed scene duration.
	timings := make([][]WordTiming, 0, len(plan.Scenes))
	for range plan.Scenes {
		timings = append(timings, []WordTiming{{Word: "dry", Start: 0, End: dryRunSceneDuration}})
	}
	data := mustJSON(timings)
	if err := os.WriteFile(filepath.Join(dir, "alignment.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write alignment: %w", err)
	}
	return &engine.StepResult{
		Artifacts:  map[string]string{"alignment": "alignment.json"},
		ResumeData: data,
	}, nil
}

func (d *DryRun) imagesGenerate(dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	for _, scene := range plan.Scenes {
		name := filepath.Join(artifacts.ImagesDir, fmt.Sprintf("scene_%d.png", scene.Idx))
		if err := writePlaceholder(filepath.Join(dir, name), "dry-run image"); err != nil {
			return nil, err
		}
	}
	return &engine.StepResult{
		Artifacts:  map[string]string{"images_dir": artifacts.ImagesDir},
		ResumeData: mustJSON(map[string]int{"images": len(plan.Scenes)}),
	}, nil
}

func (d *DryRun) captionsBuild(dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	if err := writePlaceholder(filepath.Join(dir, artifacts.CaptionsFile), "[Script Info]\n; dry-run captions\n"); err != nil {
		return nil, err
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"captions": artifacts.CaptionsFile},
	}, nil
}

func (d *DryRun) musicBuild(dir string) (*engine.StepResult, error) {
	if err := writePlaceholder(filepath.Join(dir, artifacts.MusicFile), "dry-run music"); err != nil {
		return nil, err
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"music": artifacts.MusicFile},
	}, nil
}

// ffmpegRender skips actual composition and writes a manifest describing
// what would have been rendered.
func (d *DryRun) ffmpegRender(dir string, run *domain.Run) (*engine.StepResult, error) {
	report := map[string]any{
		"run_id":       run.ID,
		"mode":         "dry-run",
		"composed":     false,
		"inputs":       run.Artifacts,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode dry-run report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, artifacts.DryRunReport), data, 0o644); err != nil {
		return nil, fmt.Errorf("write dry-run report: %w", err)
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"render_manifest": artifacts.DryRunReport},
	}, nil
}

// finalize gathers the run's artifacts into export.json and verifies every
// recorded artifact actually exists on disk. A missing artifact is a
// verification failure, not a step error.
func finalize(dir string, run *domain.Run, plan *domain.PlanVersion, dryRun bool) (*engine.StepResult, error) {
	for key, rel := range run.Artifacts {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			return nil, fmt.Errorf("%w: artifact %q (%s) missing", engine.ErrVerificationFailed, key, rel)
		}
	}

	export := map[string]any{
		"run_id":          run.ID,
		"project_id":      run.ProjectID,
		"plan_version_id": plan.ID,
		"dry_run":         dryRun,
		"scenes":          len(plan.Scenes),
		"artifacts":       run.Artifacts,
		"generated_at":    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, artifacts.ExportFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write export manifest: %w", err)
	}

	return &engine.StepResult{
		Artifacts: map[string]string{"export": artifacts.ExportFile},
	}, nil
}

func writePlaceholder(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write placeholder %s: %w", filepath.Base(path), err)
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
