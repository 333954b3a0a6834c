package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"charlora/core/models"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. It is loaded once at start.
type Config struct {
	// Server
	ServerPort     string `yaml:"server_port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// Persistence and event bus, both optional
	DatabaseURL string `yaml:"database_url"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	// Filesystem layout
	OutputDir string `yaml:"ed_lora_dir"`
	JobsRoot  string `yaml:"jobs_root"`

	TriggerToken string               `yaml:"trigger_token"`
	Mode         models.ExecutionMode `yaml:"mode"`
	BaseModel    BaseModelConfig      `yaml:"base_model"`
	Train        TrainConfig          `yaml:"train"`
	Kohya        KohyaConfig          `yaml:"kohya"`
	Docker       DockerConfig         `yaml:"docker"`
	SSH          SSHConfig            `yaml:"ssh"`
	AWS          AWSConfig            `yaml:"aws"`
	Pipeline     PipelineConfig       `yaml:"pipeline"`
}

// BaseModelConfig maps base-model selectors to checkpoint paths. In YAML the
// selectors sit next to "use", as in:
//
//	base_model:
//	  use: ds8
//	  ds8: /srv/models/dreamshaper_8.safetensors
type BaseModelConfig struct {
	Use   string            `yaml:"use"`
	Paths map[string]string `yaml:",inline"`
}

// Path returns the checkpoint path for selector, falling back to Use when empty.
func (b BaseModelConfig) Path(selector string) (string, bool) {
	if selector == "" {
		selector = b.Use
	}
	p, ok := b.Paths[selector]
	return p, ok && p != ""
}

// TrainConfig holds default training hyperparameters
type TrainConfig struct {
	Resolution     int     `yaml:"resolution"`
	Steps          int     `yaml:"steps"`
	NetworkDim     int     `yaml:"network_dim"`
	UnetOnly       bool    `yaml:"unet_only"`
	LRUnet         float64 `yaml:"lr_unet"`
	LRText         float64 `yaml:"lr_text"`
	NoiseOffset    float64 `yaml:"noise_offset"`
	CaptionDropout float64 `yaml:"caption_dropout"`
	SaveEvery      int     `yaml:"save_every"`
	MinSNRGamma    float64 `yaml:"min_snr_gamma"`
	BatchSize      int     `yaml:"train_batch_size"`
	MixedPrecision string  `yaml:"mixed_precision"`
}

// KohyaConfig locates the kohya_ss training script
type KohyaConfig struct {
	AccelerateBin    string `yaml:"accelerate_bin"`
	ScriptPath       string `yaml:"script_path"`
	Workspace        string `yaml:"workspace"`
	NetworkModule    string `yaml:"network_module"`
	ArtifactTemplate string `yaml:"artifact_template"`
	ArtifactSuffix   string `yaml:"artifact_suffix"`
}

// DockerConfig configures the local container runtime
type DockerConfig struct {
	Binary    string   `yaml:"binary"`
	Image     string   `yaml:"image"`
	GPUs      string   `yaml:"gpus"`
	ExtraArgs []string `yaml:"extra_args"`
}

// SSHConfig configures the remote training host
type SSHConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts"`
	Workdir        string `yaml:"workdir"`
	// EC2InstanceID resolves Host from a running EC2 instance on every connect
	EC2InstanceID string `yaml:"ec2_instance_id"`
}

// AWSConfig configures the EC2 and pricing clients
type AWSConfig struct {
	Region       string  `yaml:"region"`
	InstanceType string  `yaml:"instance_type"` // overrides the type reported by EC2
	HourlyPrice  float64 `yaml:"hourly_price"`  // skips the pricing API when set
}

// PipelineConfig configures the job manager
type PipelineConfig struct {
	MaxConcurrentPrepares int           `yaml:"max_concurrent_prepares"`
	PrepareTimeout        time.Duration `yaml:"prepare_timeout"`
	TrainTimeout          time.Duration `yaml:"train_timeout"`
	DeployTimeout         time.Duration `yaml:"deploy_timeout"`
	Retention             time.Duration `yaml:"retention"`
	OverwriteArtifacts    bool          `yaml:"overwrite_artifacts"`
	RequireReady          bool          `yaml:"require_ready"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerPort:     "8080",
		MaxUploadBytes: 512 << 20,
		NATSSubject:    "charlora.jobs.events",
		OutputDir:      "./artifacts/ed_lora",
		JobsRoot:       "./data/jobs",
		TriggerToken:   "svtchar",
		Mode:           models.ModeLocal,
		BaseModel: BaseModelConfig{
			Use: "ds8",
			Paths: map[string]string{
				"ds8":  "./models/dreamshaper_8.safetensors",
				"sd15": "./models/v1-5-pruned-emaonly.safetensors",
			},
		},
		Train: TrainConfig{
			Resolution:     512,
			Steps:          2500,
			NetworkDim:     32,
			UnetOnly:       true,
			LRUnet:         1e-4,
			LRText:         5e-5,
			NoiseOffset:    0.05,
			CaptionDropout: 0.1,
			SaveEvery:      500,
			MinSNRGamma:    5.0,
			BatchSize:      1,
			MixedPrecision: "bf16",
		},
		Kohya: KohyaConfig{
			AccelerateBin:    "accelerate",
			ScriptPath:       "/opt/kohya_ss/train_network.py",
			Workspace:        "/opt/kohya_ss",
			NetworkModule:    "lycoris.kohya",
			ArtifactTemplate: "{name}_lora_{base}_v1",
			ArtifactSuffix:   ".safetensors",
		},
		Docker: DockerConfig{
			Binary: "docker",
			Image:  "kohya-ss:latest",
			GPUs:   "all",
		},
		SSH: SSHConfig{
			Port:    22,
			Workdir: "/srv/charlora/jobs",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentPrepares: 2,
			PrepareTimeout:        10 * time.Minute,
			TrainTimeout:          6 * time.Hour,
			DeployTimeout:         10 * time.Minute,
			Retention:             24 * time.Hour,
			RequireReady:          true,
		},
	}
}

// Load loads configuration from the YAML file at path (optional, missing file
// keeps defaults) and then from environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("NATS_SUBJECT", c.NATSSubject)
	c.OutputDir = getEnv("ED_LORA_DIR", c.OutputDir)
	c.JobsRoot = getEnv("JOBS_ROOT", c.JobsRoot)
	c.TriggerToken = getEnv("TRIGGER_TOKEN", c.TriggerToken)
	c.Mode = models.ExecutionMode(getEnv("EXECUTION_MODE", string(c.Mode)))
	c.Kohya.AccelerateBin = getEnv("ACCELERATE_BIN", c.Kohya.AccelerateBin)
	if root := os.Getenv("KOHYA_ROOT"); root != "" {
		c.Kohya.Workspace = root
		c.Kohya.ScriptPath = filepath.Join(root, "train_network.py")
	}
	c.Docker.Image = getEnv("DOCKER_IMAGE", c.Docker.Image)
	c.SSH.Host = getEnv("SSH_HOST", c.SSH.Host)
	c.SSH.User = getEnv("SSH_USER", c.SSH.User)
	c.SSH.KeyPath = getEnv("SSH_KEY_PATH", c.SSH.KeyPath)
	c.SSH.EC2InstanceID = getEnv("EC2_INSTANCE_ID", c.SSH.EC2InstanceID)
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)

	var err error
	if c.Pipeline.MaxConcurrentPrepares, err = getEnvInt("MAX_CONCURRENT_PREPARES", c.Pipeline.MaxConcurrentPrepares); err != nil {
		return err
	}
	if c.Pipeline.TrainTimeout, err = getEnvDuration("TRAIN_TIMEOUT", c.Pipeline.TrainTimeout); err != nil {
		return err
	}
	if c.Pipeline.Retention, err = getEnvDuration("JOB_RETENTION", c.Pipeline.Retention); err != nil {
		return err
	}
	if c.Pipeline.OverwriteArtifacts, err = getEnvBool("OVERWRITE_ARTIFACTS", c.Pipeline.OverwriteArtifacts); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case models.ModeLocal:
	case models.ModeRemote:
		if c.SSH.Host == "" && c.SSH.EC2InstanceID == "" {
			return fmt.Errorf("remote mode requires ssh.host or ssh.ec2_instance_id")
		}
		if c.SSH.User == "" {
			return fmt.Errorf("remote mode requires ssh.user")
		}
	default:
		return fmt.Errorf("unknown execution mode %q (want local or remote)", c.Mode)
	}
	if _, ok := c.BaseModel.Path(""); !ok {
		return fmt.Errorf("base_model.use %q has no configured path", c.BaseModel.Use)
	}
	if c.Pipeline.MaxConcurrentPrepares < 1 {
		return fmt.Errorf("pipeline.max_concurrent_prepares must be at least 1")
	}
	if !strings.Contains(c.Kohya.ArtifactTemplate, "{name}") {
		return fmt.Errorf("kohya.artifact_template must contain {name}")
	}
	return nil
}

// resolvePaths makes local directories absolute. Base model paths stay as
// written in remote mode because they name files on the training host.
func (c *Config) resolvePaths() {
	c.OutputDir = absPath(c.OutputDir)
	c.JobsRoot = absPath(c.JobsRoot)
	if c.Mode == models.ModeLocal {
		for k, v := range c.BaseModel.Paths {
			c.BaseModel.Paths[k] = absPath(v)
		}
	}
}

func absPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
