package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxConcurrentRuns)
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.Equal(t, 100, cfg.MaxSubscribersPerRun)
	assert.Equal(t, 3, cfg.MaxConcurrentImageGeneration)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval())
}

func TestFromEnvInvalidImageConcurrencyFallsBack(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_IMAGE_GENERATION", "-2")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentImageGeneration)
}

func TestFromEnvClampsDryRunDelay(t *testing.T) {
	t.Setenv("APP_DRY_RUN_STEP_DELAY_MS", "99999")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.DryRunStepDelayMS)
}

func TestLoadFileEmptyPathReturnsDefaults(t *testing.T) {
	f, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", f.Maintenance.Schedule)
	assert.Equal(t, 30, f.Maintenance.StuckRunTimeoutMin)
	assert.Equal(t, 90, f.Maintenance.RunRetentionDays)
}

func TestLoadFileParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reel.yaml")
	content := `
cors_origins:
  - http://localhost:3000
export:
  endpoint: minio:9000
  bucket: reel-exports
maintenance:
  schedule: "0 * * * *"
  run_retention_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000"}, f.CORSOrigins)
	assert.Equal(t, "minio:9000", f.Export.Endpoint)
	assert.Equal(t, "0 * * * *", f.Maintenance.Schedule)
	assert.Equal(t, 14, f.Maintenance.RunRetentionDays)
	// Unset fields keep their defaults.
	assert.Equal(t, 30, f.Maintenance.StuckRunTimeoutMin)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/reel.yaml")
	assert.Error(t, err)
}

func TestDryRunSetClampsDelay(t *testing.T) {
	d := NewDryRun(&Config{})
	d.Set(true, "captions_build", 60000)

	enabled, failStep, delayMS := d.Snapshot()
	assert.True(t, enabled)
	assert.Equal(t, "captions_build", failStep)
	assert.Equal(t, 5000, delayMS)
	assert.Equal(t, 5*time.Second, d.StepDelay())
}
