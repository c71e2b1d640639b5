package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/pkg/model"
)

var lsfJobIDPattern = regexp.MustCompile(`Job <(\d+)> is submitted`)

// LSFDriver submits jobs with bsub and tracks them with bjobs.
type LSFDriver struct {
	cfg    config.LSFConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewLSFDriver creates an LSFDriver using the LSF command line tools.
func NewLSFDriver(cfg config.LSFConfig, logger *slog.Logger) *LSFDriver {
	return newLSFDriverWithRunner(cfg, logger, &osCommandRunner{})
}

// newLSFDriverWithRunner is used by tests to inject a mock CommandRunner.
func newLSFDriverWithRunner(cfg config.LSFConfig, logger *slog.Logger, runner CommandRunner) *LSFDriver {
	if cfg.BsubCmd == "" {
		cfg.BsubCmd = "bsub"
	}
	if cfg.BjobsCmd == "" {
		cfg.BjobsCmd = "bjobs"
	}
	if cfg.BkillCmd == "" {
		cfg.BkillCmd = "bkill"
	}
	return &LSFDriver{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "lsf-driver"),
	}
}

// Kind returns model.DriverKindLSF.
func (d *LSFDriver) Kind() model.DriverKind {
	return model.DriverKindLSF
}

// submitArgs builds the bsub argument vector for task.
func (d *LSFDriver) submitArgs(task *model.Task) []string {
	name := task.JobName()
	args := []string{
		"-o", filepath.Join(task.RunPath, name+".LSF-stdout"),
		"-e", filepath.Join(task.RunPath, name+".LSF-stderr"),
	}
	if d.cfg.Queue != "" {
		args = append(args, "-q", d.cfg.Queue)
	}
	args = append(args, "-J", name, "-n", strconv.Itoa(task.CPUs()))
	if d.cfg.Resource != "" {
		args = append(args, "-R", d.cfg.Resource)
	}
	if len(task.Env) > 0 {
		args = append(args, "-env", "all, "+strings.Join(sortedEnv(task.Env), ", "))
	}
	args = append(args, task.Executable)
	return append(args, task.Args...)
}

// Submit runs bsub and parses the job id from "Job <id> is submitted ...".
func (d *LSFDriver) Submit(ctx context.Context, task *model.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindLSF, Index: task.Index, Err: err}
	}
	args := d.submitArgs(task)
	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.BsubCmd, args...)
	if err != nil {
		return "", submitFailure(model.DriverKindLSF, task, stdout, stderr, err)
	}
	if exitCode != 0 {
		return "", submitFailure(model.DriverKindLSF, task, stdout, stderr, fmt.Errorf("%s exited with code %d", d.cfg.BsubCmd, exitCode))
	}
	m := lsfJobIDPattern.FindStringSubmatch(stdout)
	if m == nil {
		return "", submitFailure(model.DriverKindLSF, task, stdout, stderr, errors.New("no job id in bsub output"))
	}

	d.logger.Info("job submitted", "iens", task.Index, "job_id", m[1], "num_cpu", task.CPUs())
	return m[1], nil
}

// Poll runs bjobs and maps the STAT column.
func (d *LSFDriver) Poll(ctx context.Context, externalID string) (model.JobStatus, error) {
	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.BjobsCmd, "-a", "-noheader", externalID)
	if err != nil {
		return "", fmt.Errorf("lsf driver: %s %s: %w", d.cfg.BjobsCmd, externalID, err)
	}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != externalID {
			continue
		}
		return mapLSFState(fields[2])
	}
	if exitCode != 0 {
		return "", fmt.Errorf("lsf driver: %s %s: exit code %d: %s", d.cfg.BjobsCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	return "", fmt.Errorf("lsf driver: job %s not listed by %s", externalID, d.cfg.BjobsCmd)
}

// Kill runs bkill.
func (d *LSFDriver) Kill(ctx context.Context, externalID string) error {
	_, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.BkillCmd, externalID)
	if err != nil {
		return fmt.Errorf("lsf driver: %s %s: %w", d.cfg.BkillCmd, externalID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("lsf driver: %s %s: exit code %d: %s", d.cfg.BkillCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// mapLSFState converts an LSF STAT value to a JobStatus.
func mapLSFState(stat string) (model.JobStatus, error) {
	switch stat {
	case "PEND", "PSUSP":
		return model.JobStatusPending, nil
	case "RUN", "USUSP", "SSUSP":
		return model.JobStatusRunning, nil
	case "DONE":
		return model.JobStatusDone, nil
	case "EXIT", "ZOMBI":
		return model.JobStatusExited, nil
	}
	return "", fmt.Errorf("lsf driver: unmapped job state %q", stat)
}
