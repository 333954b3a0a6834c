package frameworks

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"charlora/config"
	"charlora/core/models"
)

// DatasetImagesDir is the directory under a dataset that kohya_ss reads.
// Each subdirectory inside is named "<repeats>_<concept>".
const DatasetImagesDir = "images"

// KohyaSetup builds kohya_ss train_network.py launches
type KohyaSetup struct {
	Kohya config.KohyaConfig
	Train config.TrainConfig
}

// TrainingPaths are the paths as seen by the training process. They can be
// container or remote paths, so they are joined with forward slashes.
type TrainingPaths struct {
	BaseModel  string
	DatasetDir string
	OutputDir  string
}

// TrainingCommand is a launch ready to hand to an execution backend
type TrainingCommand struct {
	Argv         []string
	Workdir      string
	ArtifactStem string
}

// ArtifactStem expands the artifact template, e.g. "{name}_lora_{base}_v1".
func ArtifactStem(template, name, base string) string {
	r := strings.NewReplacer("{name}", name, "{base}", base)
	return r.Replace(template)
}

// BuildCommand returns the accelerate launch argv for spec.
func (k *KohyaSetup) BuildCommand(spec models.JobSpec, paths TrainingPaths) (*TrainingCommand, error) {
	if paths.BaseModel == "" {
		return nil, fmt.Errorf("no base model path for %q", spec.BaseModel)
	}
	if k.Kohya.ScriptPath == "" {
		return nil, fmt.Errorf("kohya script path is not configured")
	}

	cfg := spec.Config
	stem := ArtifactStem(k.Kohya.ArtifactTemplate, spec.CharacterName, spec.BaseModel)
	mixed := k.Train.MixedPrecision
	if mixed == "" {
		mixed = "no"
	}
	batch := k.Train.BatchSize
	if batch < 1 {
		batch = 1
	}

	argv := []string{
		k.Kohya.AccelerateBin, "launch",
		k.Kohya.ScriptPath,
		"--pretrained_model_name_or_path", paths.BaseModel,
		"--train_data_dir", path.Join(paths.DatasetDir, DatasetImagesDir),
		"--resolution", fmt.Sprintf("%d,%d", cfg.Resolution, cfg.Resolution),
		"--network_module", k.Kohya.NetworkModule,
		"--network_dim", strconv.Itoa(cfg.NetworkDim),
		"--output_dir", paths.OutputDir,
		"--output_name", stem,
		"--max_train_steps", strconv.Itoa(cfg.Steps),
		"--learning_rate", formatFloat(k.Train.LRUnet),
		"--train_batch_size", strconv.Itoa(batch),
		"--noise_offset", formatFloat(k.Train.NoiseOffset),
		"--caption_dropout_rate", formatFloat(k.Train.CaptionDropout),
		"--min_snr_gamma", formatFloat(k.Train.MinSNRGamma),
		"--mixed_precision", mixed,
		"--caption_extension", ".txt",
		"--save_model_as", "safetensors",
	}
	if k.Train.SaveEvery > 0 {
		argv = append(argv, "--save_every_n_steps", strconv.Itoa(k.Train.SaveEvery))
	}
	if cfg.UnetOnly {
		argv = append(argv, "--network_train_unet_only")
	} else if k.Train.LRText > 0 {
		argv = append(argv, "--text_encoder_lr", formatFloat(k.Train.LRText))
	}

	workdir := k.Kohya.Workspace
	if workdir == "" {
		workdir = path.Dir(k.Kohya.ScriptPath)
	}

	return &TrainingCommand{Argv: argv, Workdir: workdir, ArtifactStem: stem}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
