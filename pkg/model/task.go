package model

import (
	"fmt"
	"path/filepath"
)

// Default marker file names polled in every run path.
const (
	DefaultStatusFile = "STATUS"
	DefaultOKFile     = "OK"
	DefaultExitFile   = "ERROR"
)

// Task describes one realization to be run by the queue.
// It is immutable once handed to a queue node.
type Task struct {
	Index      int               `json:"iens" yaml:"iens"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Executable string            `json:"executable" yaml:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	RunPath    string            `json:"run_path" yaml:"run_path"`
	NumCPU     int               `json:"num_cpu,omitempty" yaml:"num_cpu,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	StatusFile string `json:"status_file,omitempty" yaml:"status_file,omitempty"`
	OKFile     string `json:"ok_file,omitempty" yaml:"ok_file,omitempty"`
	ExitFile   string `json:"exit_file,omitempty" yaml:"exit_file,omitempty"`

	// Outputs maps a record name to a file, relative to RunPath, that is
	// persisted once the task succeeds.
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// JobName returns the name used when submitting to a backend.
func (t *Task) JobName() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("realization-%d", t.Index)
}

// CPUs returns the requested CPU count, at least 1.
func (t *Task) CPUs() int {
	if t.NumCPU < 1 {
		return 1
	}
	return t.NumCPU
}

// ApplyMarkerDefaults fills empty marker file names.
func (t *Task) ApplyMarkerDefaults(status, ok, exit string) {
	if t.StatusFile == "" {
		t.StatusFile = status
	}
	if t.OKFile == "" {
		t.OKFile = ok
	}
	if t.ExitFile == "" {
		t.ExitFile = exit
	}
}

// StatusPath returns the absolute path of the status marker.
func (t *Task) StatusPath() string { return t.markerPath(t.StatusFile, DefaultStatusFile) }

// OKPath returns the absolute path of the success marker.
func (t *Task) OKPath() string { return t.markerPath(t.OKFile, DefaultOKFile) }

// ExitPath returns the absolute path of the failure marker.
func (t *Task) ExitPath() string { return t.markerPath(t.ExitFile, DefaultExitFile) }

func (t *Task) markerPath(name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(t.RunPath, name)
}

// Validate checks the fields required for submission.
func (t *Task) Validate() error {
	if t.Index < 0 {
		return fmt.Errorf("task %d: negative index", t.Index)
	}
	if t.Executable == "" {
		return fmt.Errorf("task %d: executable is required", t.Index)
	}
	if t.RunPath == "" {
		return fmt.Errorf("task %d: run_path is required", t.Index)
	}
	if t.NumCPU < 0 {
		return fmt.Errorf("task %d: num_cpu must not be negative", t.Index)
	}
	return nil
}

// JobResult is handed to done and exit callbacks once a job settles.
type JobResult struct {
	Index          int       `json:"iens"`
	Name           string    `json:"name"`
	Status         JobStatus `json:"status"`
	RunPath        string    `json:"run_path"`
	ExternalID     string    `json:"external_id,omitempty"`
	SubmitAttempts int       `json:"submit_attempts"`
	Error          string    `json:"error,omitempty"`
	StatusPath     string    `json:"status_path"`
	OKPath         string    `json:"ok_path"`
	ExitPath       string    `json:"exit_path"`
}
