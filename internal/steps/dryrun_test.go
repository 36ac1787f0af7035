package steps

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/internal/artifacts"
	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

func testPlan(scenes int) (*domain.Run, *domain.PlanVersion) {
	plan := &domain.PlanVersion{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Hook:      "watch this",
		Outline:   "a short story",
	}
	for i := 0; i < scenes; i++ {
		plan.Scenes = append(plan.Scenes, domain.Scene{
			ID:            uuid.New(),
			PlanVersionID: plan.ID,
			Idx:           i,
			Narration:     "narration text",
			VisualPrompt:  "a picture",
		})
	}
	run := &domain.Run{
		ID:            uuid.New(),
		ProjectID:     plan.ProjectID,
		PlanVersionID: plan.ID,
		Status:        domain.RunStatusRunning,
		Artifacts:     make(map[string]string),
	}
	return run, plan
}

func newDryRunConfig(failStep string, delayMS int) *config.DryRun {
	d := config.NewDryRun(&config.Config{RenderDryRun: true})
	d.Set(true, failStep, delayMS)
	return d
}

func TestDryRunFullPipeline(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root, newDryRunConfig("", 0))
	run, plan := testPlan(2)

	for _, step := range domain.Steps {
		res, err := exec.Run(context.Background(), step, run, plan)
		require.NoError(t, err, "step %s", step)
		require.NotNil(t, res)
		for k, v := range res.Artifacts {
			run.Artifacts[k] = v
		}
		if step == domain.StepTTSGenerate {
			require.Len(t, res.SceneDurations, 2)
			assert.Equal(t, dryRunSceneDuration, res.SceneDurations[0])
		}
	}

	dir := artifacts.RunDir(root, run.ProjectID, run.ID)
	for _, name := range []string{
		filepath.Join(artifacts.AudioDir, "scene_0.mp3"),
		filepath.Join(artifacts.AudioDir, "scene_1.mp3"),
		filepath.Join(artifacts.ImagesDir, "scene_0.png"),
		"alignment.json",
		artifacts.CaptionsFile,
		artifacts.MusicFile,
		artifacts.DryRunReport,
		artifacts.ExportFile,
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	data, err := os.ReadFile(filepath.Join(dir, artifacts.ExportFile))
	require.NoError(t, err)
	var export map[string]any
	require.NoError(t, json.Unmarshal(data, &export))
	assert.Equal(t, true, export["dry_run"])
	assert.EqualValues(t, 2, export["scenes"])
}

func TestDryRunFailStepInjection(t *testing.T) {
	exec := NewDryRun(t.TempDir(), newDryRunConfig("captions_build", 0))
	run, plan := testPlan(1)

	for _, step := range []domain.Step{domain.StepTTSGenerate, domain.StepASRAlign, domain.StepImagesGenerate} {
		_, err := exec.Run(context.Background(), step, run, plan)
		require.NoError(t, err)
	}

	_, err := exec.Run(context.Background(), domain.StepCaptionsBuild, run, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captions_build")
}

func TestDryRunCancelDuringDelay(t *testing.T) {
	exec := NewDryRun(t.TempDir(), newDryRunConfig("", 1000))
	run, plan := testPlan(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := exec.Run(ctx, domain.StepTTSGenerate, run, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFinalizeVerificationFailure(t *testing.T) {
	root := t.TempDir()
	run, plan := testPlan(1)
	dir, err := artifacts.EnsureRunDirs(root, run.ProjectID, run.ID)
	require.NoError(t, err)

	run.Artifacts["final_video"] = artifacts.FinalVideo // never written

	_, err = finalize(dir, run, plan, false)
	assert.ErrorIs(t, err, engine.ErrVerificationFailed)
}
