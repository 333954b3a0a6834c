package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"charlora/config"
	"charlora/training/frameworks"
)

const (
	containerJobDir   = "/job"
	containerModelDir = "/models"
)

// LocalBackend runs training in a container on this host via the docker CLI.
type LocalBackend struct {
	docker config.DockerConfig
	logger *slog.Logger
	// killGrace bounds how long a cancelled docker client may take to exit
	killGrace time.Duration
}

// NewLocalBackend creates a backend driving the docker CLI.
func NewLocalBackend(docker config.DockerConfig, logger *slog.Logger) *LocalBackend {
	if docker.Binary == "" {
		docker.Binary = "docker"
	}
	return &LocalBackend{docker: docker, logger: logger, killGrace: 30 * time.Second}
}

func (b *LocalBackend) Name() string { return "local docker" }

// Ping runs "docker version" against the daemon.
func (b *LocalBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.docker.Binary, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("docker version: %w", err)
		}
		return fmt.Errorf("docker version: %w: %s", err, msg)
	}
	return nil
}

// Shell runs a shell command on this host and returns its combined output.
func (b *LocalBackend) Shell(ctx context.Context, command string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	return string(out), err
}

func (b *LocalBackend) FileSize(_ context.Context, p string) (int64, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s is a directory", p)
	}
	return fi.Size(), nil
}

// Stage maps the job directory and the base model into container paths. The
// job directory is bind-mounted, so nothing is copied.
func (b *LocalBackend) Stage(_ context.Context, l Launch) (frameworks.TrainingPaths, error) {
	if filepath.Dir(l.DatasetDir) != filepath.Dir(l.OutputDir) {
		return frameworks.TrainingPaths{}, fmt.Errorf("dataset %s and output %s are not in the same job directory", l.DatasetDir, l.OutputDir)
	}
	if err := os.MkdirAll(l.OutputDir, 0o755); err != nil {
		return frameworks.TrainingPaths{}, fmt.Errorf("create output dir: %w", err)
	}
	return frameworks.TrainingPaths{
		BaseModel:  path.Join(containerModelDir, filepath.Base(l.BaseModel)),
		DatasetDir: path.Join(containerJobDir, filepath.Base(l.DatasetDir)),
		OutputDir:  path.Join(containerJobDir, filepath.Base(l.OutputDir)),
	}, nil
}

// Start runs the command in a container named after the job. Cancelling ctx
// kills the container by name, then the docker client.
func (b *LocalBackend) Start(ctx context.Context, l Launch, cmd *frameworks.TrainingCommand) (Process, error) {
	name := frameworks.ContainerName(l.JobID)
	mounts := []frameworks.Mount{
		{Host: filepath.Dir(l.DatasetDir), Container: containerJobDir},
		{Host: filepath.Dir(l.BaseModel), Container: containerModelDir, ReadOnly: true},
	}
	args := frameworks.DockerRunArgs(b.docker, name, cmd.Workdir, mounts, cmd.Argv)
	p, err := startLocal(ctx, args, func() {
		kill, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if out, err := exec.CommandContext(kill, b.docker.Binary, "kill", name).CombinedOutput(); err != nil {
			b.logger.Warn("docker kill failed", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}, b.killGrace)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Collect is a no-op: the output directory is bind-mounted.
func (b *LocalBackend) Collect(context.Context, Launch, frameworks.TrainingPaths) error {
	return nil
}

// localProcess is an os/exec child whose stdout and stderr share one pipe.
type localProcess struct {
	cmd *exec.Cmd
	out *os.File
}

// startLocal starts args[0] with args[1:]. onCancel runs before the child is
// killed when ctx is done.
func startLocal(ctx context.Context, args []string, onCancel func(), grace time.Duration) (*localProcess, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Cancel = func() error {
		if onCancel != nil {
			onCancel()
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	// the child holds its own copy; ours must go so the reader sees EOF
	w.Close()
	return &localProcess{cmd: cmd, out: r}, nil
}

func (p *localProcess) Output() io.Reader { return p.out }

func (p *localProcess) Wait() error {
	defer p.out.Close()
	err := p.cmd.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode()}
	}
	return err
}
