package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepWeightsSumTo100(t *testing.T) {
	total := 0
	for _, s := range Steps {
		w, ok := StepWeights[s]
		require.True(t, ok, "step %s has no weight", s)
		require.GreaterOrEqual(t, w, 0)
		total += w
	}
	assert.Equal(t, 100, total)
}

func TestStepIndex(t *testing.T) {
	assert.Equal(t, 0, StepIndex(StepTTSGenerate))
	assert.Equal(t, 6, StepIndex(StepFinalizeArtifacts))
	assert.Equal(t, -1, StepIndex(Step("upload_thumbnail")))
}

func TestProgressFor(t *testing.T) {
	assert.Equal(t, 0, ProgressFor(nil))
	assert.Equal(t, 60, ProgressFor([]Step{StepTTSGenerate, StepASRAlign, StepImagesGenerate}))
	assert.Equal(t, 100, ProgressFor(Steps))
}

func TestResumeStateTruncateFrom(t *testing.T) {
	rs := ResumeState{}
	rs.MarkCompleted(StepTTSGenerate, []byte(`{"voices":3}`))
	rs.MarkCompleted(StepASRAlign, nil)
	rs.MarkCompleted(StepImagesGenerate, []byte(`{"images":4}`))

	rs.TruncateFrom(StepASRAlign)

	assert.Equal(t, []Step{StepTTSGenerate}, rs.CompletedSteps)
	assert.Contains(t, rs.PerStepData, StepTTSGenerate)
	assert.NotContains(t, rs.PerStepData, StepImagesGenerate)
}

func TestResumeStateMarkCompletedIdempotent(t *testing.T) {
	rs := ResumeState{}
	rs.MarkCompleted(StepTTSGenerate, nil)
	rs.MarkCompleted(StepTTSGenerate, []byte(`{}`))
	assert.Equal(t, []Step{StepTTSGenerate}, rs.CompletedSteps)
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusDone, RunStatusFailed, RunStatusCanceled, RunStatusQAFailed} {
		assert.True(t, s.Terminal(), "status %s", s)
	}
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
}
