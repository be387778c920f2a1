package entities

import "time"

// TaskStage represents where a pipeline task is in the
// transcribe-then-synthesize flow.
type TaskStage string

const (
	TaskStageQueued       TaskStage = "queued"
	TaskStageTranscribing TaskStage = "transcribing"
	TaskStageSynthesizing TaskStage = "synthesizing"
	TaskStageDone         TaskStage = "done"
	TaskStageFailed       TaskStage = "failed"
)

// PipelineTask is one sealed utterance moving through the inference
// pipeline. A task is owned exclusively by its session's pipeline workers;
// at most one task per UtteranceID is ever in flight.
type PipelineTask struct {
	Utterance   *Utterance
	Stage       TaskStage
	SubmittedAt time.Time
	Transcript  string
	Confidence  float64
	Err         error
}

// NewPipelineTask creates a queued task for a sealed utterance.
func NewPipelineTask(u *Utterance) *PipelineTask {
	return &PipelineTask{
		Utterance:   u,
		Stage:       TaskStageQueued,
		SubmittedAt: time.Now(),
	}
}

// Fail marks the task failed. Failed tasks are never retried: by the time a
// late result would be ready, the moment to speak it has passed, and a retry
// would reorder the utterance stream.
func (t *PipelineTask) Fail(err error) {
	t.Stage = TaskStageFailed
	t.Err = err
}
