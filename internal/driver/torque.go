package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/pkg/model"
)

// TorqueDriver submits jobs with qsub and tracks them with qstat -f.
type TorqueDriver struct {
	cfg    config.TorqueConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewTorqueDriver creates a TorqueDriver using the PBS command line tools.
func NewTorqueDriver(cfg config.TorqueConfig, logger *slog.Logger) *TorqueDriver {
	return newTorqueDriverWithRunner(cfg, logger, &osCommandRunner{})
}

func newTorqueDriverWithRunner(cfg config.TorqueConfig, logger *slog.Logger, runner CommandRunner) *TorqueDriver {
	if cfg.QsubCmd == "" {
		cfg.QsubCmd = "qsub"
	}
	if cfg.QstatCmd == "" {
		cfg.QstatCmd = "qstat"
	}
	if cfg.QdelCmd == "" {
		cfg.QdelCmd = "qdel"
	}
	return &TorqueDriver{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "torque-driver"),
	}
}

// Kind returns model.DriverKindTorque.
func (d *TorqueDriver) Kind() model.DriverKind {
	return model.DriverKindTorque
}

func (d *TorqueDriver) submitArgs(task *model.Task) []string {
	name := task.JobName()
	args := []string{
		"-N", name,
		"-d", task.RunPath,
		"-l", "nodes=1:ppn=" + strconv.Itoa(task.CPUs()),
		"-o", filepath.Join(task.RunPath, name+".TORQUE-stdout"),
		"-e", filepath.Join(task.RunPath, name+".TORQUE-stderr"),
	}
	if d.cfg.Queue != "" {
		args = append(args, "-q", d.cfg.Queue)
	}
	if len(task.Env) > 0 {
		args = append(args, "-v", strings.Join(sortedEnv(task.Env), ","))
	}
	if len(task.Args) > 0 {
		args = append(args, "-F", strings.Join(task.Args, " "))
	}
	return append(args, task.Executable)
}

// Submit runs qsub; the job id is its trimmed stdout.
func (d *TorqueDriver) Submit(ctx context.Context, task *model.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindTorque, Index: task.Index, Err: err}
	}
	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.QsubCmd, d.submitArgs(task)...)
	if err != nil {
		return "", submitFailure(model.DriverKindTorque, task, stdout, stderr, err)
	}
	if exitCode != 0 {
		return "", submitFailure(model.DriverKindTorque, task, stdout, stderr, fmt.Errorf("%s exited with code %d", d.cfg.QsubCmd, exitCode))
	}
	id := strings.TrimSpace(stdout)
	if id == "" || strings.ContainsAny(id, " \n") {
		return "", submitFailure(model.DriverKindTorque, task, stdout, stderr, errors.New("no job id in qsub output"))
	}

	d.logger.Info("job submitted", "iens", task.Index, "job_id", id, "num_cpu", task.CPUs())
	return id, nil
}

// Poll parses job_state and exit_status from qstat -f.
func (d *TorqueDriver) Poll(ctx context.Context, externalID string) (model.JobStatus, error) {
	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.QstatCmd, "-f", externalID)
	if err != nil {
		return "", fmt.Errorf("torque driver: %s %s: %w", d.cfg.QstatCmd, externalID, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("torque driver: %s %s: exit code %d: %s", d.cfg.QstatCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	attrs := parseQstatAttributes(stdout)
	state, ok := attrs["job_state"]
	if !ok {
		return "", fmt.Errorf("torque driver: no job_state for %s", externalID)
	}
	return mapTorqueState(state, attrs["exit_status"])
}

// Kill runs qdel.
func (d *TorqueDriver) Kill(ctx context.Context, externalID string) error {
	_, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.QdelCmd, externalID)
	if err != nil {
		return fmt.Errorf("torque driver: %s %s: %w", d.cfg.QdelCmd, externalID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("torque driver: %s %s: exit code %d: %s", d.cfg.QdelCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// parseQstatAttributes reads "key = value" lines of qstat -f output.
func parseQstatAttributes(out string) map[string]string {
	attrs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return attrs
}

// mapTorqueState converts a PBS job_state (and exit_status for C) to a JobStatus.
func mapTorqueState(state, exitStatus string) (model.JobStatus, error) {
	switch state {
	case "Q", "H", "W", "T":
		return model.JobStatusPending, nil
	case "R", "E", "S":
		return model.JobStatusRunning, nil
	case "C", "F":
		if exitStatus == "0" {
			return model.JobStatusDone, nil
		}
		return model.JobStatusExited, nil
	}
	return "", fmt.Errorf("torque driver: unmapped job state %q", state)
}
