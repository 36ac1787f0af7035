package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/reelworks/reel/internal/steps"
)

// FFmpegRenderer composes the final vertical video with the ffmpeg CLI:
// scene images timed to their narration audio, captions burned in, music
// mixed under the narration.
type FFmpegRenderer struct {
	// Binary overrides the ffmpeg executable name (tests point it at a stub).
	Binary string
	// ProbeBinary overrides the ffprobe executable name.
	ProbeBinary string
}

func (r *FFmpegRenderer) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "ffmpeg"
}

func (r *FFmpegRenderer) probeBinary() string {
	if r.ProbeBinary != "" {
		return r.ProbeBinary
	}
	return "ffprobe"
}

// Available reports whether ffmpeg and ffprobe are on PATH.
func (r *FFmpegRenderer) Available() error {
	for _, bin := range []string{r.binary(), r.probeBinary()} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH", bin)
		}
	}
	return nil
}

// Render builds the final video. Scene ordering follows the scene_N file
// naming produced by the earlier steps.
func (r *FFmpegRenderer) Render(ctx context.Context, spec steps.RenderSpec) error {
	audioFiles, err := sortedSceneFiles(spec.AudioDir, ".mp3")
	if err != nil {
		return err
	}
	imageFiles, err := sortedSceneFiles(spec.ImagesDir, ".png")
	if err != nil {
		return err
	}
	if len(audioFiles) == 0 || len(audioFiles) != len(imageFiles) {
		return fmt.Errorf("mismatched scene artifacts: %d audio, %d images", len(audioFiles), len(imageFiles))
	}

	durations := make([]float64, len(audioFiles))
	for i, f := range audioFiles {
		d, err := r.probeDuration(ctx, f)
		if err != nil {
			return fmt.Errorf("probe %s: %w", filepath.Base(f), err)
		}
		durations[i] = d
	}

	imagesList := filepath.Join(spec.RunDir, "images.txt")
	if err := writeConcatList(imagesList, imageFiles, durations); err != nil {
		return err
	}
	audioList := filepath.Join(spec.RunDir, "audio.txt")
	if err := writeConcatList(audioList, audioFiles, nil); err != nil {
		return err
	}

	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", imagesList,
		"-f", "concat", "-safe", "0", "-i", audioList,
		"-i", spec.MusicPath,
		"-filter_complex",
		"[2:a]volume=0.2[bg];[1:a][bg]amix=inputs=2:duration=first[aud];" +
			"[0:v]scale=1080:1920:force_original_aspect_ratio=decrease," +
			"pad=1080:1920:(ow-iw)/2:(oh-ih)/2,ass=" + spec.CaptionsPath + "[vid]",
		"-map", "[vid]", "-map", "[aud]",
		"-r", "30", "-pix_fmt", "yuv420p", "-shortest",
		spec.OutPath,
	}

	cmd := exec.CommandContext(ctx, r.binary(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(out, 512))
	}
	return nil
}

// probeDuration reads a media file's duration in seconds via ffprobe.
func (r *FFmpegRenderer) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.probeBinary(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// sortedSceneFiles lists scene_N files with the extension, ordered by N.
func sortedSceneFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		idx  int
		path string
	}
	var files []numbered
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "scene_") || !strings.HasSuffix(name, ext) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "scene_"), ext))
		if err != nil {
			continue
		}
		files = append(files, numbered{idx: idx, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].idx < files[j].idx })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// writeConcatList writes an ffmpeg concat demuxer list. durations, when
// non-nil, sets the display time per entry (used for the image track).
func writeConcatList(path string, files []string, durations []float64) error {
	var b strings.Builder
	for i, f := range files {
		fmt.Fprintf(&b, "file '%s'\n", f)
		if durations != nil {
			fmt.Fprintf(&b, "duration %s\n", strconv.FormatFloat(durations[i], 'f', 3, 64))
		}
	}
	// The concat demuxer ignores the last duration unless the final entry
	// repeats.
	if durations != nil && len(files) > 0 {
		fmt.Fprintf(&b, "file '%s'\n", files[len(files)-1])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// tail returns the last n bytes of out for error context.
func tail(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
