package frameworks

import (
	"strings"

	"charlora/config"
)

// ContainerName is the name of the local training container for a job. It
// lets cancellation reach the container, not only the docker client.
func ContainerName(jobID string) string {
	return "charlora-" + jobID
}

// Mount binds a host path into the training container
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// DockerRunArgs wraps argv in a "docker run" invocation.
func DockerRunArgs(cfg config.DockerConfig, name, workdir string, mounts []Mount, argv []string) []string {
	bin := cfg.Binary
	if bin == "" {
		bin = "docker"
	}
	args := []string{bin, "run", "--rm", "--name", name}
	if cfg.GPUs != "" {
		args = append(args, "--gpus", cfg.GPUs)
	}
	for _, m := range mounts {
		v := m.Host + ":" + m.Container
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, cfg.Image)
	return append(args, argv...)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes and joins argv into one command line.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// RemoteCommand is the command line a remote shell runs to start training.
// stderr is folded into stdout so the log keeps the process's own ordering.
func RemoteCommand(workdir string, argv []string) string {
	cmd := "exec " + ShellJoin(argv) + " 2>&1"
	if workdir == "" {
		return cmd
	}
	return "cd " + ShellQuote(workdir) + " && " + cmd
}
