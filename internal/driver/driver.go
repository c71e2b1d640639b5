package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/pkg/model"
)

// Driver is a pluggable backend that submits, polls and kills jobs.
type Driver interface {
	// Kind returns the backend identifier.
	Kind() model.DriverKind

	// Submit hands a task to the backend and returns the backend's job id.
	// Rejections are reported as *model.SubmitError.
	Submit(ctx context.Context, task *model.Task) (externalID string, err error)

	// Poll maps the backend's view of a job onto model.JobStatus.
	// Errors are transient; callers poll again on the next tick.
	Poll(ctx context.Context, externalID string) (model.JobStatus, error)

	// Kill requests cancellation of a submitted job.
	Kill(ctx context.Context, externalID string) error
}

// New builds the driver selected by cfg.Kind.
func New(cfg config.DriverConfig, logger *slog.Logger) (Driver, error) {
	logger = logging.OrDiscard(logger)
	switch cfg.Kind {
	case model.DriverKindLocal, "":
		return NewLocalDriver(logger), nil
	case model.DriverKindLSF:
		return NewLSFDriver(cfg.LSF, logger), nil
	case model.DriverKindSlurm:
		return NewSlurmDriver(cfg.Slurm, logger), nil
	case model.DriverKindTorque:
		return NewTorqueDriver(cfg.Torque, logger), nil
	}
	return nil, fmt.Errorf("no driver for kind %q", cfg.Kind)
}

// sortedEnv renders env as KEY=VALUE pairs in key order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// submitFailure builds a SubmitError from a backend command result.
func submitFailure(kind model.DriverKind, task *model.Task, stdout, stderr string, err error) *model.SubmitError {
	out := strings.TrimSpace(strings.TrimSpace(stderr) + "\n" + strings.TrimSpace(stdout))
	return &model.SubmitError{Driver: kind, Index: task.Index, Output: out, Err: err}
}
