package domain

// Step is one named stage of the fixed render pipeline.
type Step string

const (
	StepTTSGenerate       Step = "tts_generate"
	StepASRAlign          Step = "asr_align"
	StepImagesGenerate    Step = "images_generate"
	StepCaptionsBuild     Step = "captions_build"
	StepMusicBuild        Step = "music_build"
	StepFFmpegRender      Step = "ffmpeg_render"
	StepFinalizeArtifacts Step = "finalize_artifacts"
)

// Steps is the fixed ordered pipeline. Workers execute steps in this order;
// progress weights below are keyed by it.
var Steps = []Step{
	StepTTSGenerate,
	StepASRAlign,
	StepImagesGenerate,
	StepCaptionsBuild,
	StepMusicBuild,
	StepFFmpegRender,
	StepFinalizeArtifacts,
}

// StepWeights maps each step to its share of overall progress. Weights sum
// to 100.
var StepWeights = map[Step]int{
	StepTTSGenerate:       15,
	StepASRAlign:          10,
	StepImagesGenerate:    35,
	StepCaptionsBuild:     10,
	StepMusicBuild:        5,
	StepFFmpegRender:      15,
	StepFinalizeArtifacts: 10,
}

// StepIndex returns the position of the step in the pipeline, or -1 for an
// unknown step name.
func StepIndex(s Step) int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// ValidStep returns true if s names a pipeline step.
func ValidStep(s string) bool {
	return StepIndex(Step(s)) >= 0
}

// ProgressFor returns the cumulative progress percentage for a set of
// completed steps.
func ProgressFor(completed []Step) int {
	total := 0
	for _, s := range completed {
		total += StepWeights[s]
	}
	if total > 100 {
		total = 100
	}
	return total
}
