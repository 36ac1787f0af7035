// Package config handles reeld configuration: environment knobs captured
// once at startup, an optional reel.yaml for server/storage settings, and
// the small mutable dry-run block settable through the admin API.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Limits for the dry-run step delay knob.
const maxDryRunStepDelayMS = 5000

// Config holds the immutable engine knobs, captured from the environment at
// startup. Hot paths read these through accessors on the owning components,
// never through process-global lookups.
type Config struct {
	MaxConcurrentRuns            int    `envconfig:"MAX_CONCURRENT_RUNS" default:"1"`
	MaxQueueSize                 int    `envconfig:"MAX_QUEUE_SIZE" default:"100"`
	MaxSubscribersPerRun         int    `envconfig:"MAX_SUBSCRIBERS_PER_RUN" default:"100"`
	MaxConcurrentImageGeneration int    `envconfig:"MAX_CONCURRENT_IMAGE_GENERATION" default:"3"`
	HeartbeatIntervalMS          int    `envconfig:"HEARTBEAT_INTERVAL_MS" default:"25000"`
	RenderDryRun                 bool   `envconfig:"APP_RENDER_DRY_RUN"`
	DryRunFailStep               string `envconfig:"APP_DRY_RUN_FAIL_STEP"`
	DryRunStepDelayMS            int    `envconfig:"APP_DRY_RUN_STEP_DELAY_MS"`

	DatabaseURL  string `envconfig:"DATABASE_URL"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	ArtifactRoot string `envconfig:"ARTIFACT_ROOT" default:"./artifacts"`
}

// FromEnv loads the engine knobs from the environment and normalizes
// out-of-range values to their defaults.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// normalize clamps invalid knob values back to their defaults rather than
// refusing to boot. Concurrency knobs must be positive integers.
func (c *Config) normalize() {
	if c.MaxConcurrentRuns < 1 {
		c.MaxConcurrentRuns = 1
	}
	if c.MaxQueueSize < 1 {
		c.MaxQueueSize = 100
	}
	if c.MaxSubscribersPerRun < 1 {
		c.MaxSubscribersPerRun = 100
	}
	if c.MaxConcurrentImageGeneration < 1 {
		c.MaxConcurrentImageGeneration = 3
	}
	if c.HeartbeatIntervalMS < 1 {
		c.HeartbeatIntervalMS = 25000
	}
	if c.DryRunStepDelayMS < 0 {
		c.DryRunStepDelayMS = 0
	}
	if c.DryRunStepDelayMS > maxDryRunStepDelayMS {
		c.DryRunStepDelayMS = maxDryRunStepDelayMS
	}
}

// HeartbeatInterval returns the SSE heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// File represents the optional reel.yaml configuration for settings that do
// not belong in the environment: CORS origins, artifact export upload, and
// the maintenance sweep.
type File struct {
	CORSOrigins []string `yaml:"cors_origins"`

	// Providers configures the media gateway backing the real toolchain.
	// An empty base_url leaves the service in dry-run-only mode.
	Providers struct {
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"providers"`

	Export struct {
		Endpoint  string `yaml:"endpoint"` // S3-compatible endpoint; empty disables upload
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"export"`

	Maintenance struct {
		Schedule           string `yaml:"schedule"`              // cron spec, default "*/15 * * * *"
		StuckRunTimeoutMin int    `yaml:"stuck_run_timeout_min"` // default 30
		RunRetentionDays   int    `yaml:"run_retention_days"`    // default 90
	} `yaml:"maintenance"`
}

// DefaultFile returns the defaults used when no reel.yaml is present.
func DefaultFile() *File {
	var f File
	f.Maintenance.Schedule = "*/15 * * * *"
	f.Maintenance.StuckRunTimeoutMin = 30
	f.Maintenance.RunRetentionDays = 90
	return &f
}

// LoadFile parses a reel.yaml file. If path is empty, returns defaults.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return DefaultFile(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	f := DefaultFile()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if f.Maintenance.Schedule == "" {
		f.Maintenance.Schedule = "*/15 * * * *"
	}
	if f.Maintenance.StuckRunTimeoutMin < 1 {
		f.Maintenance.StuckRunTimeoutMin = 30
	}
	if f.Maintenance.RunRetentionDays < 1 {
		f.Maintenance.RunRetentionDays = 90
	}
	return f, nil
}

// ResolveFilePath finds the config file path.
// Priority: REEL_CONFIG env var > ./reel.yaml > "" (no config).
func ResolveFilePath() string {
	if p := os.Getenv("REEL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("reel.yaml"); err == nil {
		return "reel.yaml"
	}
	return ""
}

// DryRun holds the mutable dry-run settings. Unlike Config it may change at
// runtime through the admin API, so reads go through accessor methods.
type DryRun struct {
	mu        sync.RWMutex
	enabled   bool
	failStep  string
	stepDelay time.Duration
}

// NewDryRun seeds the mutable dry-run settings from the startup config.
func NewDryRun(cfg *Config) *DryRun {
	return &DryRun{
		enabled:   cfg.RenderDryRun,
		failStep:  cfg.DryRunFailStep,
		stepDelay: time.Duration(cfg.DryRunStepDelayMS) * time.Millisecond,
	}
}

// Enabled reports whether render runs bypass external providers.
func (d *DryRun) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// FailStep returns the step name at which a failure is injected, or "".
func (d *DryRun) FailStep() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failStep
}

// StepDelay returns the artificial delay applied before each dry-run step.
func (d *DryRun) StepDelay() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stepDelay
}

// Set atomically replaces the dry-run settings. The delay is clamped to the
// 0..5000ms range.
func (d *DryRun) Set(enabled bool, failStep string, stepDelayMS int) {
	if stepDelayMS < 0 {
		stepDelayMS = 0
	}
	if stepDelayMS > maxDryRunStepDelayMS {
		stepDelayMS = maxDryRunStepDelayMS
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	d.failStep = failStep
	d.stepDelay = time.Duration(stepDelayMS) * time.Millisecond
}

// Snapshot returns the current settings for the admin API response.
func (d *DryRun) Snapshot() (enabled bool, failStep string, stepDelayMS int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled, d.failStep, int(d.stepDelay / time.Millisecond)
}
