package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/reelworks/reel/internal/artifacts"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// maxProviderAttempts bounds internal retries of one provider call; after
// that the error surfaces to the engine as a step failure.
const maxProviderAttempts = 3

// Providers bundles the external services the toolchain executor drives.
type Providers struct {
	TTS      TTSProvider
	ASR      ASRProvider
	Images   ImageProvider
	Music    MusicProvider
	Renderer Renderer
}

// Toolchain is the provider-backed StepExecutor. Transient provider
// failures are retried with exponential backoff inside the step body; what
// the engine observes is still only success or error.
type Toolchain struct {
	root      string
	providers Providers
	maxImages int

	uploader *artifacts.Uploader
}

// NewToolchain creates the executor. maxImages bounds image generation
// fan-out; uploader may be nil to disable export upload.
func NewToolchain(artifactRoot string, providers Providers, maxImages int, uploader *artifacts.Uploader) *Toolchain {
	if maxImages < 1 {
		maxImages = 3
	}
	return &Toolchain{
		root:      artifactRoot,
		providers: providers,
		maxImages: maxImages,
		uploader:  uploader,
	}
}

// Ready reports whether every provider is configured and the render
// toolchain is usable. The engine refuses Enqueue while this errors.
func (t *Toolchain) Ready() error {
	switch {
	case t.providers.TTS == nil:
		return errors.New("tts provider not configured")
	case t.providers.ASR == nil:
		return errors.New("asr provider not configured")
	case t.providers.Images == nil:
		return errors.New("image provider not configured")
	case t.providers.Music == nil:
		return errors.New("music provider not configured")
	case t.providers.Renderer == nil:
		return errors.New("renderer not configured")
	}
	if err := t.providers.Renderer.Available(); err != nil {
		return fmt.Errorf("renderer unavailable: %w", err)
	}
	return nil
}

// Run executes one provider-backed step.
func (t *Toolchain) Run(ctx context.Context, step domain.Step, run *domain.Run, plan *domain.PlanVersion) (*engine.StepResult, error) {
	dir, err := artifacts.EnsureRunDirs(t.root, run.ProjectID, run.ID)
	if err != nil {
		return nil, err
	}

	switch step {
	case domain.StepTTSGenerate:
		return t.ttsGenerate(ctx, dir, plan)
	case domain.StepASRAlign:
		return t.asrAlign(ctx, dir, plan)
	case domain.StepImagesGenerate:
		return t.imagesGenerate(ctx, dir, plan)
	case domain.StepCaptionsBuild:
		return t.captionsBuild(dir, plan)
	case domain.StepMusicBuild:
		return t.musicBuild(ctx, dir, plan)
	case domain.StepFFmpegRender:
		return t.ffmpegRender(ctx, dir)
	case domain.StepFinalizeArtifacts:
		res, err := finalize(dir, run, plan, false)
		if err == nil {
			t.uploader.UploadExport(ctx, dir, run.ProjectID, run.ID)
		}
		return res, err
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

// ttsGenerate synthesizes narration per scene sequentially, skipping scenes
// whose audio file already exists from a previous attempt.
func (t *Toolchain) ttsGenerate(ctx context.Context, dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	durations := make(map[int]float64, len(plan.Scenes))
	for _, scene := range plan.Scenes {
		out := filepath.Join(dir, artifacts.AudioDir, fmt.Sprintf("scene_%d.mp3", scene.Idx))
		if scene.DurationSec > 0 && fileExists(out) {
			durations[scene.Idx] = scene.DurationSec
			continue
		}
		var dur float64
		err := retryTransient(ctx, func() error {
			var synthErr error
			dur, synthErr = t.providers.TTS.Synthesize(ctx, scene.Narration, out)
			return synthErr
		})
		if err != nil {
			return nil, fmt.Errorf("tts scene %d: %w", scene.Idx, err)
		}
		durations[scene.Idx] = dur
	}
	return &engine.StepResult{
		Artifacts:      map[string]string{"audio_dir": artifacts.AudioDir},
		SceneDurations: durations,
	}, nil
}

func (t *Toolchain) asrAlign(ctx context.Context, dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	aligned := make(map[int][]WordTiming, len(plan.Scenes))
	for _, scene := range plan.Scenes {
		audio := filepath.Join(dir, artifacts.AudioDir, fmt.Sprintf("scene_%d.mp3", scene.Idx))
		var timings []WordTiming
		err := retryTransient(ctx, func() error {
			var alignErr error
			timings, alignErr = t.providers.ASR.Align(ctx, audio, scene.Narration)
			return alignErr
		})
		if err != nil {
			return nil, fmt.Errorf("asr scene %d: %w", scene.Idx, err)
		}
		aligned[scene.Idx] = timings
	}

	data, err := json.Marshal(aligned)
	if err != nil {
		return nil, fmt.Errorf("encode alignment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alignment.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write alignment: %w", err)
	}
	return &engine.StepResult{
		Artifacts:  map[string]string{"alignment": "alignment.json"},
		ResumeData: data,
	}, nil
}

// imagesGenerate fans scene image generation out with bounded parallelism.
// Already-generated images are skipped, making re-runs after a mid-step
// failure cheap.
func (t *Toolchain) imagesGenerate(ctx context.Context, dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.maxImages)

	for _, scene := range plan.Scenes {
		out := filepath.Join(dir, artifacts.ImagesDir, fmt.Sprintf("scene_%d.png", scene.Idx))
		if fileExists(out) {
			continue
		}
		prompt := scene.VisualPrompt
		idx := scene.Idx
		g.Go(func() error {
			err := retryTransient(gctx, func() error {
				return t.providers.Images.Generate(gctx, prompt, out)
			})
			if err != nil {
				return fmt.Errorf("image scene %d: %w", idx, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"images_dir": artifacts.ImagesDir},
	}, nil
}

// captionsBuild emits an ASS subtitle file from the alignment artifact,
// falling back to scene narration when no alignment exists.
func (t *Toolchain) captionsBuild(dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	aligned := map[int][]WordTiming{}
	if data, err := os.ReadFile(filepath.Join(dir, "alignment.json")); err == nil {
		// Malformed alignment falls back to narration text.
		_ = json.Unmarshal(data, &aligned)
	}

	out := filepath.Join(dir, artifacts.CaptionsFile)
	if err := writeCaptions(out, plan, aligned); err != nil {
		return nil, err
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"captions": artifacts.CaptionsFile},
	}, nil
}

func (t *Toolchain) musicBuild(ctx context.Context, dir string, plan *domain.PlanVersion) (*engine.StepResult, error) {
	total := 0.0
	for _, scene := range plan.Scenes {
		total += scene.DurationSec
	}
	out := filepath.Join(dir, artifacts.MusicFile)
	err := retryTransient(ctx, func() error {
		return t.providers.Music.Compose(ctx, total, out)
	})
	if err != nil {
		return nil, fmt.Errorf("music: %w", err)
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"music": artifacts.MusicFile},
	}, nil
}

func (t *Toolchain) ffmpegRender(ctx context.Context, dir string) (*engine.StepResult, error) {
	spec := RenderSpec{
		RunDir:       dir,
		AudioDir:     filepath.Join(dir, artifacts.AudioDir),
		ImagesDir:    filepath.Join(dir, artifacts.ImagesDir),
		CaptionsPath: filepath.Join(dir, artifacts.CaptionsFile),
		MusicPath:    filepath.Join(dir, artifacts.MusicFile),
		OutPath:      filepath.Join(dir, artifacts.FinalVideo),
	}
	if err := t.providers.Renderer.Render(ctx, spec); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return &engine.StepResult{
		Artifacts: map[string]string{"final_video": artifacts.FinalVideo},
	}, nil
}

// retryTransient retries op with exponential backoff up to
// maxProviderAttempts, honoring ctx. Context errors are permanent.
func retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxProviderAttempts-1),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// writeCaptions renders a minimal ASS file: one dialogue line per scene,
// word timings compressed to the scene window when present.
func writeCaptions(path string, plan *domain.PlanVersion, aligned map[int][]WordTiming) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create captions: %w", err)
	}
	defer f.Close()

	fmt.Fprint(f, "[Script Info]\nScriptType: v4.00+\n\n[Events]\nFormat: Start, End, Text\n")
	offset := 0.0
	for _, scene := range plan.Scenes {
		dur := scene.DurationSec
		if dur <= 0 {
			dur = 3.0
		}
		text := scene.Narration
		if timings := aligned[scene.Idx]; len(timings) > 0 {
			text = joinWords(timings)
		}
		fmt.Fprintf(f, "Dialogue: %s,%s,%s\n", assTime(offset), assTime(offset+dur), text)
		offset += dur
	}
	return nil
}

func joinWords(timings []WordTiming) string {
	out := ""
	for i, w := range timings {
		if i > 0 {
			out += " "
		}
		out += w.Word
	}
	return out
}

func assTime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%d:%02d:%05.2f", h, m, s)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
