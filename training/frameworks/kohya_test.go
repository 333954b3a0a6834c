package frameworks

import (
	"strings"
	"testing"

	"charlora/config"
	"charlora/core/models"
)

func testSetup() *KohyaSetup {
	cfg := config.Default()
	return &KohyaSetup{Kohya: cfg.Kohya, Train: cfg.Train}
}

func testJobSpec(unetOnly bool) models.JobSpec {
	return models.JobSpec{
		ID:            "job-1",
		CharacterName: "alice",
		TriggerToken:  "svtchar",
		BaseModel:     "ds8",
		Config:        models.TrainingConfig{Resolution: 512, NetworkDim: 16, Steps: 800, UnetOnly: unetOnly},
	}
}

func argValue(t *testing.T, argv []string, flag string) string {
	t.Helper()
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, argv)
	return ""
}

func hasArg(argv []string, flag string) bool {
	for _, a := range argv {
		if a == flag {
			return true
		}
	}
	return false
}

func TestBuildCommand(t *testing.T) {
	paths := TrainingPaths{BaseModel: "/models/ds8.safetensors", DatasetDir: "/job/dataset", OutputDir: "/job/output"}
	cmd, err := testSetup().BuildCommand(testJobSpec(true), paths)
	if err != nil {
		t.Fatalf("BuildCommand returned error: %v", err)
	}

	if cmd.Argv[0] != "accelerate" || cmd.Argv[1] != "launch" || cmd.Argv[2] != "/opt/kohya_ss/train_network.py" {
		t.Fatalf("unexpected launcher: %v", cmd.Argv[:3])
	}
	if cmd.ArtifactStem != "alice_lora_ds8_v1" {
		t.Fatalf("unexpected stem: %s", cmd.ArtifactStem)
	}
	checks := map[string]string{
		"--train_data_dir":                "/job/dataset/images",
		"--resolution":                    "512,512",
		"--network_dim":                   "16",
		"--max_train_steps":               "800",
		"--output_name":                   "alice_lora_ds8_v1",
		"--pretrained_model_name_or_path": "/models/ds8.safetensors",
		"--save_every_n_steps":            "500",
		"--learning_rate":                 "0.0001",
	}
	for flag, want := range checks {
		if got := argValue(t, cmd.Argv, flag); got != want {
			t.Fatalf("%s: got %q want %q", flag, got, want)
		}
	}
	if !hasArg(cmd.Argv, "--network_train_unet_only") || hasArg(cmd.Argv, "--text_encoder_lr") {
		t.Fatalf("unet-only flags wrong: %v", cmd.Argv)
	}
	if cmd.Workdir != "/opt/kohya_ss" {
		t.Fatalf("unexpected workdir: %s", cmd.Workdir)
	}
}

func TestBuildCommandTextEncoder(t *testing.T) {
	paths := TrainingPaths{BaseModel: "/m.safetensors", DatasetDir: "/d", OutputDir: "/o"}
	cmd, err := testSetup().BuildCommand(testJobSpec(false), paths)
	if err != nil {
		t.Fatalf("BuildCommand returned error: %v", err)
	}
	if hasArg(cmd.Argv, "--network_train_unet_only") {
		t.Fatal("unet-only flag present for text encoder training")
	}
	if got := argValue(t, cmd.Argv, "--text_encoder_lr"); got != "5e-05" {
		t.Fatalf("text encoder lr: %s", got)
	}
}

func TestBuildCommandRequiresBaseModel(t *testing.T) {
	if _, err := testSetup().BuildCommand(testJobSpec(true), TrainingPaths{}); err == nil {
		t.Fatal("expected error without base model path")
	}
}

func TestDockerRunArgs(t *testing.T) {
	cfg := config.DockerConfig{Binary: "docker", Image: "kohya:test", GPUs: "all", ExtraArgs: []string{"--shm-size", "8g"}}
	args := DockerRunArgs(cfg, ContainerName("abc"), "/opt/kohya_ss",
		[]Mount{{Host: "/data/jobs/abc", Container: "/job"}, {Host: "/models", Container: "/models", ReadOnly: true}},
		[]string{"accelerate", "launch"})

	got := strings.Join(args, " ")
	want := "docker run --rm --name charlora-abc --gpus all -v /data/jobs/abc:/job -v /models:/models:ro -w /opt/kohya_ss --shm-size 8g kohya:test accelerate launch"
	if got != want {
		t.Fatalf("docker args:\n got %s\nwant %s", got, want)
	}
}

func TestShellQuoting(t *testing.T) {
	cases := map[string]string{
		"":              "''",
		"/srv/a_b-1.txt": "/srv/a_b-1.txt",
		"it's here":     `'it'"'"'s here'`,
		"$HOME":         "'$HOME'",
	}
	for in, want := range cases {
		if got := ShellQuote(in); got != want {
			t.Fatalf("ShellQuote(%q) = %s, want %s", in, got, want)
		}
	}

	got := RemoteCommand("/opt/kohya ss", []string{"accelerate", "launch", "--resolution", "512,512"})
	want := "cd '/opt/kohya ss' && exec accelerate launch --resolution 512,512 2>&1"
	if got != want {
		t.Fatalf("RemoteCommand:\n got %s\nwant %s", got, want)
	}
}
