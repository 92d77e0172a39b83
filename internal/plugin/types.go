package plugin

import "time"

// TaskType identifies the kind of inference workload a service or download
// targets. It is also the exclusivity key for running services: at most one
// process per (plugin id, task type) pair may run at any time.
type TaskType string

const (
	TaskTypeText TaskType = "text"
	TaskTypeTTS  TaskType = "tts"
)

// Valid reports whether the task type is one of the known values.
func (t TaskType) Valid() bool {
	return t == TaskTypeText || t == TaskTypeTTS
}

// DirectorySuffix returns the per-task subdirectory used for model storage.
func (t TaskType) DirectorySuffix() string {
	return string(t)
}

// Capability expresses an action a plugin declares support for.
type Capability string

const (
	CapabilityModelDownload Capability = "model_download"
	CapabilityServiceStart  Capability = "service_start"
	CapabilityServiceStop   Capability = "service_stop"
)

// Descriptor contains the static metadata for an installed plugin.
// Descriptors are created during startup discovery and never mutated.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Capabilities []Capability `json:"capabilities"`

	// DefaultBinary is the binary launched for this plugin when a start
	// request does not carry an explicit override.
	DefaultBinary string `json:"-"`
	// DefaultArgs are prepended to caller-supplied extra arguments.
	DefaultArgs []string `json:"-"`
}

// HasCapability reports whether the descriptor declares the capability.
func (d Descriptor) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// DownloadRequest asks the manager to fetch one model artifact.
type DownloadRequest struct {
	PluginID       string   `json:"-"`
	ModelID        string   `json:"model_id"`
	Filename       string   `json:"filename"`
	Revision       string   `json:"revision"`
	DestinationDir string   `json:"destination_dir"`
	AuthToken      string   `json:"auth_token"`
	TaskType       TaskType `json:"task_type"`
}

// DownloadResult reports where the artifact landed and how large it is.
type DownloadResult struct {
	SavedPath    string `json:"saved_path"`
	BytesWritten int64  `json:"bytes_written"`
}

// StartRequest asks the manager to launch an inference service.
type StartRequest struct {
	PluginID    string            `json:"-"`
	ModelPath   string            `json:"model_path"`
	BinaryPath  string            `json:"binary_path"`
	Args        []string          `json:"args"`
	Environment map[string]string `json:"environment"`
	TaskType    TaskType          `json:"task_type"`
}

// StartResult describes the spawned process.
type StartResult struct {
	PID     int      `json:"pid"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// StopRequest asks the manager to terminate a running service.
type StopRequest struct {
	PluginID string   `json:"-"`
	TaskType TaskType `json:"task_type"`
}

// StopResult reports whether a process was actually found and terminated.
// Terminated=false is a success outcome, not an error.
type StopResult struct {
	TaskType   TaskType `json:"task_type"`
	Terminated bool     `json:"terminated"`
}

// ServiceInfo is a read-only snapshot of one supervised process.
type ServiceInfo struct {
	PluginID  string    `json:"plugin_id"`
	TaskType  TaskType  `json:"task_type"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}
