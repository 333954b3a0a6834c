package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"charlora/training/frameworks"
)

// HostResolver yields the address of the training host. It is asked again
// on every connection because a cloud host's address can change.
type HostResolver interface {
	ResolveHost(ctx context.Context) (string, error)
}

// StaticHost is a fixed training host address.
type StaticHost string

func (h StaticHost) ResolveHost(context.Context) (string, error) {
	if h == "" {
		return "", fmt.Errorf("no remote host configured")
	}
	return string(h), nil
}

// remoteShell is the part of SSHClient the remote backend uses.
type remoteShell interface {
	ExecuteCommand(ctx context.Context, host, command string) (string, error)
	TestConnection(ctx context.Context, host string) error
	UploadDir(ctx context.Context, host, localDir, remoteDir string) error
	DownloadDir(ctx context.Context, host, remoteDir, localDir string) error
	Start(ctx context.Context, host, command string) (Process, error)
}

// RemoteBackend runs training on a host reached over SSH. Each job gets
// <workdir>/<job id>/{dataset,output} on the host.
type RemoteBackend struct {
	shell   remoteShell
	hosts   HostResolver
	workdir string
	logger  *slog.Logger
}

// NewRemoteBackend creates a backend running training over client.
func NewRemoteBackend(client *SSHClient, hosts HostResolver, workdir string, logger *slog.Logger) *RemoteBackend {
	return &RemoteBackend{shell: client, hosts: hosts, workdir: workdir, logger: logger}
}

func (b *RemoteBackend) Name() string { return "remote ssh" }

// Host resolves the current training host address.
func (b *RemoteBackend) Host(ctx context.Context) (string, error) {
	host, err := b.hosts.ResolveHost(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve training host: %w", err)
	}
	return host, nil
}

// Ping runs a trivial command on the host.
func (b *RemoteBackend) Ping(ctx context.Context) error {
	host, err := b.Host(ctx)
	if err != nil {
		return err
	}
	if err := b.shell.TestConnection(ctx, host); err != nil {
		return fmt.Errorf("ssh %s: %w", host, err)
	}
	return nil
}

func (b *RemoteBackend) FileSize(ctx context.Context, p string) (int64, error) {
	host, err := b.Host(ctx)
	if err != nil {
		return 0, err
	}
	out, err := b.shell.ExecuteCommand(ctx, host, "stat -c %s "+frameworks.ShellQuote(p))
	if err != nil {
		return 0, fmt.Errorf("stat %s on %s: %w %s", p, host, err, strings.TrimSpace(out))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s on %s: unexpected output %q", p, host, strings.TrimSpace(out))
	}
	return n, nil
}

func (b *RemoteBackend) jobDir(jobID string) string {
	return path.Join(b.workdir, jobID)
}

// Stage uploads the dataset and prepares an empty output directory.
func (b *RemoteBackend) Stage(ctx context.Context, l Launch) (frameworks.TrainingPaths, error) {
	host, err := b.Host(ctx)
	if err != nil {
		return frameworks.TrainingPaths{}, err
	}
	paths := frameworks.TrainingPaths{
		BaseModel:  l.BaseModel,
		DatasetDir: path.Join(b.jobDir(l.JobID), "dataset"),
		OutputDir:  path.Join(b.jobDir(l.JobID), "output"),
	}

	b.logger.Info("uploading dataset", "job_id", l.JobID, "host", host, "dest", paths.DatasetDir)
	if err := b.shell.UploadDir(ctx, host, l.DatasetDir, paths.DatasetDir); err != nil {
		return frameworks.TrainingPaths{}, err
	}
	q := frameworks.ShellQuote(paths.OutputDir)
	if out, err := b.shell.ExecuteCommand(ctx, host, "rm -rf "+q+" && mkdir -p "+q); err != nil {
		return frameworks.TrainingPaths{}, fmt.Errorf("create remote output dir: %w %s", err, strings.TrimSpace(out))
	}
	return paths, nil
}

func (b *RemoteBackend) Start(ctx context.Context, l Launch, cmd *frameworks.TrainingCommand) (Process, error) {
	host, err := b.Host(ctx)
	if err != nil {
		return nil, err
	}
	b.logger.Info("starting remote training", "job_id", l.JobID, "host", host)
	return b.shell.Start(ctx, host, frameworks.RemoteCommand(cmd.Workdir, cmd.Argv))
}

// Collect downloads the remote output directory.
func (b *RemoteBackend) Collect(ctx context.Context, l Launch, paths frameworks.TrainingPaths) error {
	host, err := b.Host(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("downloading training output", "job_id", l.JobID, "host", host, "src", paths.OutputDir)
	return b.shell.DownloadDir(ctx, host, paths.OutputDir, l.OutputDir)
}

// Shell runs a shell command on the training host and returns its combined
// output.
func (b *RemoteBackend) Shell(ctx context.Context, command string) (string, error) {
	host, err := b.Host(ctx)
	if err != nil {
		return "", err
	}
	return b.shell.ExecuteCommand(ctx, host, command)
}
