package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"charlora/config"
	"charlora/core/models"
	"charlora/training/frameworks"
)

// KohyaTrainer runs kohya_ss on an execution backend and streams its output.
type KohyaTrainer struct {
	backend    Backend
	setup      *frameworks.KohyaSetup
	baseModels config.BaseModelConfig
	logger     *slog.Logger
}

// NewKohyaTrainer creates a train stage runner.
func NewKohyaTrainer(backend Backend, setup *frameworks.KohyaSetup, baseModels config.BaseModelConfig, logger *slog.Logger) *KohyaTrainer {
	return &KohyaTrainer{backend: backend, setup: setup, baseModels: baseModels, logger: logger}
}

// Train launches one training process for js over datasetDir. Every output
// line goes to log in arrival order. The returned output is the local
// directory holding the trained files.
func (t *KohyaTrainer) Train(ctx context.Context, js models.JobSpec, datasetDir string, log LogFunc) models.StageResult {
	fail := func(kind models.ErrorKind, detail string, err error) models.StageResult {
		return models.Failed(models.StageTraining, kind, detail, err)
	}

	basePath, ok := t.baseModels.Path(js.BaseModel)
	if !ok {
		return fail(models.KindEnvironmentNotReady, fmt.Sprintf("base model %q is not configured", js.BaseModel), nil)
	}
	size, err := t.backend.FileSize(ctx, basePath)
	if err != nil {
		return fail(models.KindEnvironmentNotReady, "base model file not found", err)
	}
	if size == 0 {
		return fail(models.KindEnvironmentNotReady, "base model file is empty: "+basePath, nil)
	}

	launch := Launch{
		JobID:      js.ID,
		DatasetDir: datasetDir,
		OutputDir:  filepath.Join(js.WorkDir, OutputDir),
		BaseModel:  basePath,
	}
	if err := os.MkdirAll(launch.OutputDir, 0o755); err != nil {
		return fail(models.KindStageFailed, "create output dir", err)
	}

	paths, err := t.backend.Stage(ctx, launch)
	if err != nil {
		return fail(models.KindStageFailed, "stage dataset", err)
	}
	cmd, err := t.setup.BuildCommand(js, paths)
	if err != nil {
		return fail(models.KindStageFailed, "build training command", err)
	}

	log("Base model: " + js.BaseModel)
	log("Launching kohya_ss (" + t.backend.Name() + ")")
	t.logger.Info("training started", "job_id", js.ID, "backend", t.backend.Name(), "output_name", cmd.ArtifactStem)

	proc, err := t.backend.Start(ctx, launch, cmd)
	if err != nil {
		return fail(models.KindStageFailed, "start training", err)
	}
	streamErr := StreamLines(proc.Output(), log)
	waitErr := proc.Wait()

	if ctx.Err() != nil {
		return fail(models.KindStageFailed, "training interrupted", ctx.Err())
	}
	var exit *ExitError
	if errors.As(waitErr, &exit) {
		return fail(models.KindTrainingFailed, fmt.Sprintf("kohya_ss exited with code %d", exit.Code), nil)
	}
	if waitErr != nil {
		return fail(models.KindStageFailed, "training process", waitErr)
	}
	if streamErr != nil {
		t.logger.Warn("training output stream", "job_id", js.ID, "error", streamErr)
	}

	if err := t.backend.Collect(ctx, launch, paths); err != nil {
		return fail(models.KindStageFailed, "collect training output", err)
	}
	t.logger.Info("training finished", "job_id", js.ID)
	return models.Succeeded(models.StageTraining, launch.OutputDir)
}
