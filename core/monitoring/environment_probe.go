package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"charlora/config"
	"charlora/core/models"
)

// ProbeTarget is the part of an execution backend the probe exercises
type ProbeTarget interface {
	Ping(ctx context.Context) error
	FileSize(ctx context.Context, path string) (int64, error)
}

// hostReporter is implemented by backends that train on another machine
type hostReporter interface {
	Host(ctx context.Context) (string, error)
}

// EnvironmentProbe checks that a job could run right now: the output
// directory is writable, the backend answers and the base model exists.
type EnvironmentProbe struct {
	target     ProbeTarget
	mode       models.ExecutionMode
	outputDir  string
	baseModels config.BaseModelConfig
	logger     *slog.Logger
}

// NewEnvironmentProbe creates a probe for the configured backend
func NewEnvironmentProbe(target ProbeTarget, mode models.ExecutionMode, outputDir string, baseModels config.BaseModelConfig, logger *slog.Logger) *EnvironmentProbe {
	return &EnvironmentProbe{
		target:     target,
		mode:       mode,
		outputDir:  outputDir,
		baseModels: baseModels,
		logger:     logger,
	}
}

// Check runs every check in order against the default base model and stops
// at the first failure. It never returns an error and never caches; the
// status describes this call only.
func (p *EnvironmentProbe) Check(ctx context.Context) models.EnvironmentStatus {
	return p.CheckFor(ctx, "")
}

// CheckFor is Check for the base model a submission selected. An empty
// selector means the configured default.
func (p *EnvironmentProbe) CheckFor(ctx context.Context, baseModel string) models.EnvironmentStatus {
	st := models.EnvironmentStatus{Mode: p.mode, OutputDir: p.outputDir}

	dir, err := writableDir(p.outputDir)
	if err != nil {
		return p.failed(st, "output_dir", fmt.Sprintf("output directory %s is not writable: %v", p.outputDir, err))
	}
	st.OutputDir = dir

	if hr, ok := p.target.(hostReporter); ok {
		host, err := hr.Host(ctx)
		if err != nil {
			st.SSH = boolPtr(false)
			return p.failed(st, "ssh", err.Error())
		}
		st.RemoteHost = host
	}
	pingErr := p.target.Ping(ctx)
	switch p.mode {
	case models.ModeRemote:
		st.SSH = boolPtr(pingErr == nil)
	default:
		st.Docker = boolPtr(pingErr == nil)
	}
	if pingErr != nil {
		check := "docker"
		if p.mode == models.ModeRemote {
			check = "ssh"
		}
		return p.failed(st, check, pingErr.Error())
	}

	if baseModel == "" {
		baseModel = p.baseModels.Use
	}
	base, ok := p.baseModels.Path(baseModel)
	if !ok {
		return p.failed(st, "base_model", fmt.Sprintf("no path configured for base model %q", baseModel))
	}
	st.BaseModel = base
	size, err := p.target.FileSize(ctx, base)
	if err != nil {
		return p.failed(st, "base_model", fmt.Sprintf("base model %s: %v", base, err))
	}
	if size == 0 {
		return p.failed(st, "base_model", fmt.Sprintf("base model %s is empty", base))
	}

	st.OK = true
	st.Message = "environment ready"
	return st
}

func (p *EnvironmentProbe) failed(st models.EnvironmentStatus, check, msg string) models.EnvironmentStatus {
	st.OK = false
	st.FailedCheck = check
	st.Message = msg
	p.logger.Warn("environment check failed", "check", check, "error", msg)
	return st
}

// writableDir creates dir if needed and proves it writable with a temp file.
func writableDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return abs, err
	}
	f, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return abs, err
	}
	name := f.Name()
	f.Close()
	return abs, os.Remove(name)
}

func boolPtr(b bool) *bool { return &b }
