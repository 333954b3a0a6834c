package models

import "time"

// JobEvent represents a stage transition event for a job
type JobEvent struct {
	ID        int64                  `json:"id,omitempty"`
	JobID     string                 `json:"job_id"`
	At        time.Time              `json:"at"`
	FromStage *Stage                 `json:"from_stage,omitempty"`
	ToStage   Stage                  `json:"to_stage"`
	Reason    string                 `json:"reason"`
	MetaJSON  map[string]interface{} `json:"meta,omitempty"`
}

// ArtifactType represents the type of job artifact
type ArtifactType string

const (
	ArtifactTypeDataset    ArtifactType = "dataset"
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeOutput     ArtifactType = "output"
	ArtifactTypePassport   ArtifactType = "passport"
)

// JobArtifact represents a job artifact (dataset, checkpoint, deployed model, etc.)
type JobArtifact struct {
	ID        int64                  `json:"id,omitempty"`
	JobID     string                 `json:"job_id"`
	Type      ArtifactType           `json:"type"`
	URI       string                 `json:"uri"`
	CreatedAt time.Time              `json:"created_at"`
	MetaJSON  map[string]interface{} `json:"meta,omitempty"`
}
