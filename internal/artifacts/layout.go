// Package artifacts manages the on-disk artifact tree for render runs and
// the optional S3 export upload.
//
// Layout: <root>/<projectID>/<runID>/{audio/, images/, captions.ass,
// music.mp3, final.mp4, export.json, dry-run-report.json}.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrOutsideRoot is returned when a requested artifact path escapes the
// run's directory after resolution.
var ErrOutsideRoot = errors.New("artifact path escapes run directory")

// Well-known artifact file names.
const (
	AudioDir     = "audio"
	ImagesDir    = "images"
	CaptionsFile = "captions.ass"
	MusicFile    = "music.mp3"
	FinalVideo   = "final.mp4"
	ExportFile   = "export.json"
	DryRunReport = "dry-run-report.json"
)

// RunDir returns the artifact directory for one run.
func RunDir(root string, projectID, runID uuid.UUID) string {
	return filepath.Join(root, projectID.String(), runID.String())
}

// EnsureRunDirs creates the run directory and its audio/ and images/
// subdirectories, returning the run directory path.
func EnsureRunDirs(root string, projectID, runID uuid.UUID) (string, error) {
	dir := RunDir(root, projectID, runID)
	for _, sub := range []string{AudioDir, ImagesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return dir, nil
}

// Resolve validates that rel names a path inside the run's directory and
// returns its absolute location. Absolute paths and parent traversal are
// rejected with ErrOutsideRoot.
func Resolve(root string, projectID, runID uuid.UUID, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrOutsideRoot
	}

	dir, err := filepath.Abs(RunDir(root, projectID, runID))
	if err != nil {
		return "", fmt.Errorf("resolve run dir: %w", err)
	}
	full, err := filepath.Abs(filepath.Join(dir, rel))
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	if full != dir && !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}
