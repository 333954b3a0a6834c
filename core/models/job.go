package models

import "time"

// MinReferenceImages is the smallest reference set a job accepts.
const MinReferenceImages = 8

// Job represents one end-to-end request: reference images in, deployed LoRA out.
type Job struct {
	ID            string
	CharacterName string
	TriggerToken  string
	BaseModel     string // selector key into the configured base model paths
	Config        TrainingConfig
	WorkDir       string // <jobs_root>/<id>
	ImageCount    int

	Stage        Stage
	Logs         []string
	Progress     float64
	ArtifactPath string
	Error        *StageFailure

	CostUSD *float64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TrainingConfig is the numeric training configuration of a job
type TrainingConfig struct {
	Resolution int  `yaml:"resolution" json:"resolution"`
	NetworkDim int  `yaml:"network_dim" json:"network_dim"`
	Steps      int  `yaml:"steps" json:"steps"`
	UnetOnly   bool `yaml:"unet_only" json:"unet_only"`
}

// JobSpec is the immutable input a stage runner works from. Runners never see
// the mutable Job record.
type JobSpec struct {
	ID            string
	CharacterName string
	TriggerToken  string
	BaseModel     string
	Config        TrainingConfig
	WorkDir       string
}

// Spec returns the immutable view of the job handed to stage runners.
func (j *Job) Spec() JobSpec {
	return JobSpec{
		ID:            j.ID,
		CharacterName: j.CharacterName,
		TriggerToken:  j.TriggerToken,
		BaseModel:     j.BaseModel,
		Config:        j.Config,
		WorkDir:       j.WorkDir,
	}
}

// ImageUpload is one reference image received with a submission.
type ImageUpload struct {
	Filename string
	Data     []byte
}

// SubmitRequest carries a validated submission into the job manager.
type SubmitRequest struct {
	CharacterName string
	TriggerToken  string
	BaseModel     string
	Config        TrainingConfig
	Images        []ImageUpload
}

// Stage represents the current pipeline stage of a job
type Stage string

const (
	StageQueued   Stage = "queued"
	StagePrepping Stage = "prepping"
	StageTraining Stage = "training"
	StageCopying  Stage = "copying"
	StageDone     Stage = "done"
	StageError    Stage = "error"
)

// Terminal reports whether no further transition can leave s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

var nextStage = map[Stage]Stage{
	StageQueued:   StagePrepping,
	StagePrepping: StageTraining,
	StageTraining: StageCopying,
	StageCopying:  StageDone,
}

// CanTransition reports whether from → to is an edge of the pipeline graph:
// one step forward, or error from any non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageError {
		return true
	}
	return nextStage[from] == to
}

// JobSnapshot is an immutable copy of a job handed to readers.
type JobSnapshot struct {
	ID            string         `json:"job_id"`
	CharacterName string         `json:"name"`
	TriggerToken  string         `json:"trigger"`
	BaseModel     string         `json:"base_model"`
	Config        TrainingConfig `json:"config"`
	ImageCount    int            `json:"image_count"`
	Stage         Stage          `json:"stage"`
	Logs          []string       `json:"logs"`
	Progress      float64        `json:"progress"`
	ArtifactPath  *string        `json:"artifact_path"`
	Error         *string        `json:"error"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	ErrorStage    Stage          `json:"error_stage,omitempty"`
	QueuePosition int            `json:"queue_position,omitempty"`
	CostUSD       *float64       `json:"cost_usd,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Snapshot deep-copies the job. The caller must hold the job's read lock.
func (j *Job) Snapshot() JobSnapshot {
	logs := make([]string, len(j.Logs))
	copy(logs, j.Logs)

	snap := JobSnapshot{
		ID:            j.ID,
		CharacterName: j.CharacterName,
		TriggerToken:  j.TriggerToken,
		BaseModel:     j.BaseModel,
		Config:        j.Config,
		ImageCount:    j.ImageCount,
		Stage:         j.Stage,
		Logs:          logs,
		Progress:      j.Progress,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     copyTime(j.StartedAt),
		FinishedAt:    copyTime(j.FinishedAt),
	}
	if j.ArtifactPath != "" {
		p := j.ArtifactPath
		snap.ArtifactPath = &p
	}
	if j.Error != nil {
		msg := j.Error.Message()
		snap.Error = &msg
		snap.ErrorKind = j.Error.Kind
		snap.ErrorStage = j.Error.Stage
	}
	if j.CostUSD != nil {
		c := *j.CostUSD
		snap.CostUSD = &c
	}
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
