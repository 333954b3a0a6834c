package storage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"charlora/core/models"
	"charlora/core/repository"
)

var (
	// kohya_ss prints "saving checkpoint: /path/name-000500.safetensors"
	checkpointLinePattern = regexp.MustCompile(`(?i)saving\s+checkpoint:\s*(\S+)`)
	checkpointStepPattern = regexp.MustCompile(`-(\d+)\.(?:safetensors|ckpt|pt)$`)
)

// Checkpoint is an intermediate model file announced in training output
type Checkpoint struct {
	URI  string
	Step int // -1 when the file name carries no step
}

// ParseCheckpointLine recognizes a checkpoint announcement in one log line.
func ParseCheckpointLine(line string) (Checkpoint, bool) {
	m := checkpointLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Checkpoint{}, false
	}
	uri := strings.Trim(m[1], `"'`)
	cp := Checkpoint{URI: uri, Step: -1}
	if s := checkpointStepPattern.FindStringSubmatch(uri); s != nil {
		if n, err := strconv.Atoi(s[1]); err == nil {
			cp.Step = n
		}
	}
	return cp, true
}

// CheckpointManager manages checkpoint storage and retrieval
type CheckpointManager struct {
	artifactRepo repository.ArtifactStore
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(artifactRepo repository.ArtifactStore) *CheckpointManager {
	return &CheckpointManager{
		artifactRepo: artifactRepo,
	}
}

// ObserveLine records a checkpoint if line announces one. It reports whether
// the line was a checkpoint announcement.
func (cm *CheckpointManager) ObserveLine(ctx context.Context, jobID, line string) (bool, error) {
	cp, ok := ParseCheckpointLine(line)
	if !ok {
		return false, nil
	}
	return true, cm.SaveCheckpoint(ctx, jobID, cp.URI, cp.Step, nil)
}

// SaveCheckpoint saves a checkpoint URI to the artifact store
func (cm *CheckpointManager) SaveCheckpoint(
	ctx context.Context,
	jobID string,
	checkpointURI string,
	step int,
	metadata map[string]interface{},
) error {
	meta := map[string]interface{}{
		"step": step,
		"uri":  checkpointURI,
	}
	for k, v := range metadata {
		meta[k] = v
	}

	return cm.artifactRepo.CreateArtifact(
		ctx,
		jobID,
		models.ArtifactTypeCheckpoint,
		checkpointURI,
		meta,
	)
}

// GetLatestCheckpoint retrieves the latest checkpoint for a job
func (cm *CheckpointManager) GetLatestCheckpoint(ctx context.Context, jobID string) (string, error) {
	artifacts, err := cm.ListCheckpoints(ctx, jobID)
	if err != nil {
		return "", err
	}

	var latestCheckpoint string
	latestStep := -1
	latestTime := time.Time{}

	for _, artifact := range artifacts {
		step, ok := metaStep(artifact.MetaJSON["step"])
		if !ok || step < 0 {
			if latestStep < 0 && artifact.CreatedAt.After(latestTime) {
				latestTime = artifact.CreatedAt
				latestCheckpoint = artifact.URI
			}
			continue
		}
		if step > latestStep {
			latestStep = step
			latestCheckpoint = artifact.URI
		}
	}

	if latestCheckpoint == "" {
		return "", fmt.Errorf("no checkpoint found for job %s", jobID)
	}

	return latestCheckpoint, nil
}

// ListCheckpoints lists all checkpoints for a job
func (cm *CheckpointManager) ListCheckpoints(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	checkpointType := models.ArtifactTypeCheckpoint
	return cm.artifactRepo.GetJobArtifacts(ctx, jobID, &checkpointType)
}

// metaStep reads a step stored in memory (int) or decoded from JSON (float64)
func metaStep(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
