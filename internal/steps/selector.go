package steps

import (
	"context"

	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/domain"
	"github.com/reelworks/reel/internal/engine"
)

// Selector routes step execution to the dry-run executor or the real
// toolchain based on the mutable dry-run settings. The mode is read per
// step, so an admin toggle takes effect at the next step boundary.
type Selector struct {
	cfg  *config.DryRun
	dry  *DryRun
	real *Toolchain
}

// NewSelector creates the switching executor. real may be nil when no
// providers are configured; the selector then always runs dry.
func NewSelector(cfg *config.DryRun, dry *DryRun, real *Toolchain) *Selector {
	return &Selector{cfg: cfg, dry: dry, real: real}
}

func (s *Selector) dryMode() bool {
	return s.cfg.Enabled() || s.real == nil
}

// Ready implements engine.ReadyChecker. Dry-run mode is always ready.
func (s *Selector) Ready() error {
	if s.dryMode() {
		return nil
	}
	return s.real.Ready()
}

// Run executes one step with the currently selected executor.
func (s *Selector) Run(ctx context.Context, step domain.Step, run *domain.Run, plan *domain.PlanVersion) (*engine.StepResult, error) {
	if s.dryMode() {
		return s.dry.Run(ctx, step, run, plan)
	}
	return s.real.Run(ctx, step, run, plan)
}
