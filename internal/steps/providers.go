// Package steps implements the pipeline step bodies behind the engine's
// StepExecutor interface: a provider-backed toolchain executor and a
// deterministic dry-run executor for tests and local development.
package steps

import "context"

// WordTiming is one aligned word from speech recognition.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TTSProvider synthesizes narration audio for one scene.
type TTSProvider interface {
	// Synthesize writes narration audio to outPath and returns its
	// measured duration in seconds.
	Synthesize(ctx context.Context, text, outPath string) (float64, error)
}

// ASRProvider computes word-level timestamps from audio plus transcript.
type ASRProvider interface {
	Align(ctx context.Context, audioPath, transcript string) ([]WordTiming, error)
}

// ImageProvider generates one scene image from a visual prompt.
type ImageProvider interface {
	Generate(ctx context.Context, prompt, outPath string) error
}

// MusicProvider produces a background audio track of the given length.
type MusicProvider interface {
	Compose(ctx context.Context, durationSec float64, outPath string) error
}

// Renderer composes the final video from the run's artifacts.
type Renderer interface {
	// Available reports whether the render toolchain (ffmpeg) is usable.
	Available() error
	// Render writes the final video to outPath.
	Render(ctx context.Context, spec RenderSpec) error
}

// RenderSpec is the renderer's input: everything lives under RunDir.
type RenderSpec struct {
	RunDir       string
	AudioDir     string
	ImagesDir    string
	CaptionsPath string
	MusicPath    string
	OutPath      string
}
