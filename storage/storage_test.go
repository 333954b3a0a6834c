package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"charlora/core/models"
	"charlora/core/repository"
)

func TestParseCheckpointLine(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		uri  string
		step int
	}{
		{"saving checkpoint: /job/output/alice_lora_ds8_v1-000500.safetensors", true, "/job/output/alice_lora_ds8_v1-000500.safetensors", 500},
		{"INFO  Saving checkpoint: 'out/model.safetensors'", true, "out/model.safetensors", -1},
		{"steps:  20%|██        | 500/2500", false, "", 0},
	}
	for _, tc := range cases {
		cp, ok := ParseCheckpointLine(tc.line)
		if ok != tc.ok {
			t.Fatalf("%q: ok=%v want %v", tc.line, ok, tc.ok)
		}
		if ok && (cp.URI != tc.uri || cp.Step != tc.step) {
			t.Fatalf("%q: got %+v", tc.line, cp)
		}
	}
}

func TestCheckpointManagerLatest(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(repository.NewMemoryStore())

	if _, err := cm.GetLatestCheckpoint(ctx, "job"); err == nil {
		t.Fatal("expected error without checkpoints")
	}

	lines := []string{
		"saving checkpoint: /o/a-001000.safetensors",
		"epoch is incremented",
		"saving checkpoint: /o/a-000500.safetensors",
	}
	seen := 0
	for _, l := range lines {
		ok, err := cm.ObserveLine(ctx, "job", l)
		if err != nil {
			t.Fatalf("ObserveLine: %v", err)
		}
		if ok {
			seen++
		}
	}
	if seen != 2 {
		t.Fatalf("expected 2 checkpoints, saw %d", seen)
	}

	latest, err := cm.GetLatestCheckpoint(ctx, "job")
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if latest != "/o/a-001000.safetensors" {
		t.Fatalf("latest by step: got %s", latest)
	}
}

func TestWritePassport(t *testing.T) {
	dir := t.TempDir()
	js := models.JobSpec{CharacterName: "alice", TriggerToken: "svtchar", BaseModel: "ds8", Config: models.TrainingConfig{Resolution: 512}}
	path, err := WritePassport(dir, NewPassport(js, "/lora/alice_lora_ds8_v1.safetensors", 1234, time.Now()))
	if err != nil {
		t.Fatalf("WritePassport: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read passport: %v", err)
	}
	var p Passport
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("decode passport: %v", err)
	}
	if p.Prompt != "svtchar alice" || p.RecommendedWeight != [2]float64{0.7, 0.85} || p.SizeBytes != 1234 {
		t.Fatalf("unexpected passport: %+v", p)
	}
}
