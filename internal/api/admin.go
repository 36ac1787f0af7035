package api

import (
	"encoding/json"
	"net/http"

	"github.com/reelworks/reel/internal/domain"
)

type dryRunSettings struct {
	Enabled     bool   `json:"enabled"`
	FailStep    string `json:"fail_step"`
	StepDelayMS int    `json:"step_delay_ms"`
}

// HandleUpdateDryRun updates the mutable dry-run settings. Changes take
// effect at the next step boundary, including for in-flight runs.
//
// PUT /api/v1/admin/dry-run
func (s *Server) HandleUpdateDryRun(w http.ResponseWriter, r *http.Request) {
	var req dryRunSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.FailStep != "" && !domain.ValidStep(req.FailStep) {
		errorJSON(w, "fail_step is not a pipeline step", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	s.DryRun.Set(req.Enabled, req.FailStep, req.StepDelayMS)

	enabled, failStep, delayMS := s.DryRun.Snapshot()
	writeJSON(w, http.StatusOK, dryRunSettings{
		Enabled:     enabled,
		FailStep:    failStep,
		StepDelayMS: delayMS,
	})
}
