package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"charlora/core/models"
)

// Passport describes a deployed LoRA for whoever loads it next
type Passport struct {
	Name              string                `json:"name"`
	Trigger           string                `json:"trigger"`
	Prompt            string                `json:"prompt_prefix"`
	BaseModel         string                `json:"base_model"`
	Artifact          string                `json:"artifact"`
	SizeBytes         int64                 `json:"size_bytes"`
	Config            models.TrainingConfig `json:"config"`
	RecommendedWeight [2]float64            `json:"recommended_weight"`
	Tips              []string              `json:"tips"`
	CreatedAt         time.Time             `json:"created_at"`
}

// NewPassport fills the usage hints for a trained character.
func NewPassport(js models.JobSpec, artifact string, size int64, now time.Time) Passport {
	return Passport{
		Name:              js.CharacterName,
		Trigger:           js.TriggerToken,
		Prompt:            js.TriggerToken + " " + js.CharacterName,
		BaseModel:         js.BaseModel,
		Artifact:          artifact,
		SizeBytes:         size,
		Config:            js.Config,
		RecommendedWeight: [2]float64{0.7, 0.85},
		Tips: []string{
			"Start the prompt with the trigger token followed by the character name.",
			"Use weight 0.7 to 0.85; higher weights copy the reference backgrounds.",
			"DPM++ 2M Karras at 25-30 steps and CFG 6-7 works well for this base.",
		},
		CreatedAt: now.UTC(),
	}
}

// WritePassport writes <dir>/<name>.passport.json and returns its path.
func WritePassport(dir string, p Passport) (string, error) {
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.Name+".passport.json")
	if err := os.WriteFile(path, append(body, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write passport: %w", err)
	}
	return path, nil
}
