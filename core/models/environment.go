package models

// ExecutionMode selects where the training process runs.
type ExecutionMode string

const (
	ModeLocal  ExecutionMode = "local"  // container runtime on this host
	ModeRemote ExecutionMode = "remote" // training host reached over SSH
)

// EnvironmentStatus is the result of one readiness probe. It is never cached.
type EnvironmentStatus struct {
	OK          bool          `json:"ok"`
	OutputDir   string        `json:"ed_lora_dir"`
	Mode        ExecutionMode `json:"mode"`
	Docker      *bool         `json:"docker,omitempty"`
	SSH         *bool         `json:"ssh,omitempty"`
	RemoteHost  string        `json:"remote_host,omitempty"`
	BaseModel   string        `json:"base_model,omitempty"`
	FailedCheck string        `json:"failed_check,omitempty"`
	Message     string        `json:"message,omitempty"`
}
