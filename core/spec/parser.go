package spec

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"charlora/core/models"

	"gopkg.in/yaml.v3"
)

// Defaults supplies values for fields a submission leaves empty.
type Defaults struct {
	TriggerToken string
	BaseModel    string
	Config       models.TrainingConfig
	// BaseModels lists the selectors the server has a checkpoint for
	BaseModels []string
}

// SubmissionFields holds the raw form values of a training submission
type SubmissionFields struct {
	Name       string
	Trigger    string
	BaseModel  string
	Resolution string
	NetworkDim string
	Steps      string
	UnetOnly   string
	ConfigYAML string // optional train overrides, same keys as the train section of config.yaml
}

// ConfigOverrides is the YAML shape accepted in ConfigYAML
type ConfigOverrides struct {
	Resolution *int  `yaml:"resolution"`
	NetworkDim *int  `yaml:"network_dim"`
	Steps      *int  `yaml:"steps"`
	UnetOnly   *bool `yaml:"unet_only"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// acceptedFormats maps file extensions to the content types they must sniff as
var acceptedFormats = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ParseSubmission turns form values and uploads into a SubmitRequest. Every
// problem is reported as a *models.ValidationError before anything is created.
func ParseSubmission(fields SubmissionFields, images []models.ImageUpload, defaults Defaults) (*models.SubmitRequest, error) {
	name := strings.TrimSpace(fields.Name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "character name is required"}
	}
	if !namePattern.MatchString(name) || len(name) > 64 {
		return nil, &models.ValidationError{Field: "name", Reason: "use letters, digits, '_' or '-' (max 64)"}
	}

	trigger := strings.TrimSpace(fields.Trigger)
	if trigger == "" {
		trigger = defaults.TriggerToken
	}
	if strings.ContainsAny(trigger, "\r\n") {
		return nil, &models.ValidationError{Field: "trigger", Reason: "must be a single line"}
	}

	base := strings.TrimSpace(fields.BaseModel)
	if base == "" {
		base = defaults.BaseModel
	}
	if !contains(defaults.BaseModels, base) {
		return nil, &models.ValidationError{Field: "base_model", Reason: fmt.Sprintf("unknown base model %q", base)}
	}

	cfg := defaults.Config
	var err error
	if cfg.Resolution, err = intField("resolution", fields.Resolution, cfg.Resolution); err != nil {
		return nil, err
	}
	if cfg.NetworkDim, err = intField("network_dim", fields.NetworkDim, cfg.NetworkDim); err != nil {
		return nil, err
	}
	if cfg.Steps, err = intField("steps", fields.Steps, cfg.Steps); err != nil {
		return nil, err
	}
	if fields.UnetOnly != "" {
		cfg.UnetOnly = parseBool(fields.UnetOnly, cfg.UnetOnly)
	}
	if fields.ConfigYAML != "" {
		if err := applyOverrides(&cfg, fields.ConfigYAML); err != nil {
			return nil, err
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	if err := ValidateImages(images); err != nil {
		return nil, err
	}

	return &models.SubmitRequest{
		CharacterName: name,
		TriggerToken:  trigger,
		BaseModel:     base,
		Config:        cfg,
		Images:        images,
	}, nil
}

// ValidateConfig checks the numeric training configuration
func ValidateConfig(cfg models.TrainingConfig) error {
	if cfg.Resolution < 256 || cfg.Resolution > 2048 || cfg.Resolution%64 != 0 {
		return &models.ValidationError{Field: "resolution", Reason: "must be a multiple of 64 between 256 and 2048"}
	}
	if cfg.NetworkDim < 1 || cfg.NetworkDim > 256 {
		return &models.ValidationError{Field: "network_dim", Reason: "must be between 1 and 256"}
	}
	if cfg.Steps < 1 || cfg.Steps > 100000 {
		return &models.ValidationError{Field: "steps", Reason: "must be between 1 and 100000"}
	}
	return nil
}

// ValidateImages checks count and format of the reference set without
// touching the filesystem.
func ValidateImages(images []models.ImageUpload) error {
	if len(images) < models.MinReferenceImages {
		return &models.ValidationError{
			Field:  "files",
			Reason: fmt.Sprintf("at least %d images are required, got %d", models.MinReferenceImages, len(images)),
		}
	}
	for _, im := range images {
		if err := CheckImageFormat(im.Filename, im.Data); err != nil {
			return err
		}
	}
	return nil
}

// CheckImageFormat accepts JPEG, PNG and WEBP by extension and content.
func CheckImageFormat(filename string, head []byte) error {
	ext := strings.ToLower(filepath.Ext(filename))
	want, ok := acceptedFormats[ext]
	if !ok {
		return &models.ValidationError{Field: "files", Reason: fmt.Sprintf("%s: unsupported format (JPEG, PNG or WEBP)", filename)}
	}
	if got := http.DetectContentType(head); got != want {
		return &models.ValidationError{Field: "files", Reason: fmt.Sprintf("%s: content is %s, not %s", filename, got, want)}
	}
	return nil
}

func applyOverrides(cfg *models.TrainingConfig, doc string) error {
	var o ConfigOverrides
	if err := yaml.Unmarshal([]byte(doc), &o); err != nil {
		return &models.ValidationError{Field: "config_yaml", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if o.Resolution != nil {
		cfg.Resolution = *o.Resolution
	}
	if o.NetworkDim != nil {
		cfg.NetworkDim = *o.NetworkDim
	}
	if o.Steps != nil {
		cfg.Steps = *o.Steps
	}
	if o.UnetOnly != nil {
		cfg.UnetOnly = *o.UnetOnly
	}
	return nil
}

func intField(field, value string, def int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &models.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

func parseBool(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	}
	return def
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
