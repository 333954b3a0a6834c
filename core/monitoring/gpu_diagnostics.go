package monitoring

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ShellRunner runs a shell command where training runs
type ShellRunner interface {
	Shell(ctx context.Context, command string) (string, error)
}

// CommandResult is the outcome of one diagnostic command
type CommandResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"out"`
}

// TorchInfo describes the PyTorch install on the training host
type TorchInfo struct {
	Installed     bool   `json:"installed"`
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count"`
	Error         string `json:"error,omitempty"`
}

// AccelerateInfo describes the accelerate default config
type AccelerateInfo struct {
	Path    string                 `json:"path"`
	Exists  bool                   `json:"exists"`
	Content map[string]interface{} `json:"content,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// GPUReport is a snapshot of GPU visibility on the training host
type GPUReport struct {
	Backend       string            `json:"backend"`
	InDocker      bool              `json:"in_docker"`
	NvidiaDevices []string          `json:"nvidia_devices"`
	Env           map[string]string `json:"env"`
	HasNvidiaSMI  bool              `json:"has_nvidia_smi"`
	NvidiaSMI     CommandResult     `json:"nvidia_smi"`
	Torch         TorchInfo         `json:"torch"`
	Accelerate    AccelerateInfo    `json:"accelerate"`
	Suggestions   []string          `json:"suggestions"`
}

const accelerateConfigPath = "$HOME/.cache/huggingface/accelerate/default_config.yaml"

const torchProbe = `python3 -c 'import torch; print(torch.cuda.is_available(), torch.cuda.device_count())'`

// GPUDiagnostics inspects GPU devices, drivers and the python stack on the
// training host.
type GPUDiagnostics struct {
	runner  ShellRunner
	backend string
	timeout time.Duration
}

// NewGPUDiagnostics creates a diagnostics runner over runner
func NewGPUDiagnostics(runner ShellRunner, backend string) *GPUDiagnostics {
	return &GPUDiagnostics{runner: runner, backend: backend, timeout: 10 * time.Second}
}

func (g *GPUDiagnostics) run(ctx context.Context, command string) CommandResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.runner.Shell(ctx, command)
	return CommandResult{OK: err == nil, Output: strings.TrimSpace(out)}
}

// Diagnose collects the report. Individual command failures end up in the
// report, never as an error.
func (g *GPUDiagnostics) Diagnose(ctx context.Context) GPUReport {
	r := GPUReport{Backend: g.backend, Env: map[string]string{}}

	r.InDocker = g.run(ctx, "test -f /.dockerenv").OK

	if devs := g.run(ctx, "ls -1d /dev/nvidia* 2>/dev/null"); devs.OK {
		r.NvidiaDevices = nonEmptyLines(devs.Output)
	}

	env := g.run(ctx, `printf 'CUDA_VISIBLE_DEVICES=%s\nNVIDIA_VISIBLE_DEVICES=%s\n' "$CUDA_VISIBLE_DEVICES" "$NVIDIA_VISIBLE_DEVICES"`)
	for _, line := range nonEmptyLines(env.Output) {
		if k, v, ok := strings.Cut(line, "="); ok {
			r.Env[k] = v
		}
	}

	r.HasNvidiaSMI = g.run(ctx, "command -v nvidia-smi").OK
	if r.HasNvidiaSMI {
		r.NvidiaSMI = g.run(ctx, "nvidia-smi -L")
	} else {
		r.NvidiaSMI = CommandResult{Output: "nvidia-smi not found"}
	}

	r.Torch = parseTorchProbe(g.run(ctx, torchProbe))
	r.Accelerate = g.accelerate(ctx)
	r.Suggestions = suggestions(r)
	return r
}

func (g *GPUDiagnostics) accelerate(ctx context.Context) AccelerateInfo {
	info := AccelerateInfo{Path: accelerateConfigPath}
	res := g.run(ctx, `cat "`+accelerateConfigPath+`"`)
	if !res.OK {
		return info
	}
	info.Exists = true
	if err := yaml.Unmarshal([]byte(res.Output), &info.Content); err != nil {
		info.Error = err.Error()
	}
	return info
}

// parseTorchProbe reads "True 2" style output
func parseTorchProbe(res CommandResult) TorchInfo {
	if !res.OK {
		if strings.Contains(res.Output, "No module named") {
			return TorchInfo{}
		}
		return TorchInfo{Error: res.Output}
	}
	info := TorchInfo{Installed: true}
	fields := strings.Fields(res.Output)
	if len(fields) >= 2 {
		info.CUDAAvailable = fields[0] == "True"
		info.DeviceCount, _ = strconv.Atoi(fields[1])
	}
	return info
}

func suggestions(r GPUReport) []string {
	var out []string
	if len(r.NvidiaDevices) == 0 {
		out = append(out, "GPU devices are not visible in /dev. Recreate the container with --gpus and enable GPU support in Docker.")
	}
	if !r.NvidiaSMI.OK {
		out = append(out, "nvidia-smi is not available. Ensure the NVIDIA Container Toolkit is installed and the GPU is passed through.")
	}
	if r.Torch.Installed && !r.Torch.CUDAAvailable {
		out = append(out, "PyTorch cannot use CUDA. Check CUDA_VISIBLE_DEVICES and driver/runtime compatibility.")
	}
	return out
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
