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

var slurmJobIDPattern = regexp.MustCompile(`^\d+$`)

// SlurmDriver submits jobs with sbatch and tracks them with squeue/sacct.
type SlurmDriver struct {
	cfg    config.SlurmConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewSlurmDriver creates a SlurmDriver using the Slurm command line tools.
func NewSlurmDriver(cfg config.SlurmConfig, logger *slog.Logger) *SlurmDriver {
	return newSlurmDriverWithRunner(cfg, logger, &osCommandRunner{})
}

func newSlurmDriverWithRunner(cfg config.SlurmConfig, logger *slog.Logger, runner CommandRunner) *SlurmDriver {
	if cfg.SbatchCmd == "" {
		cfg.SbatchCmd = "sbatch"
	}
	if cfg.SqueueCmd == "" {
		cfg.SqueueCmd = "squeue"
	}
	if cfg.SacctCmd == "" {
		cfg.SacctCmd = "sacct"
	}
	if cfg.ScancelCmd == "" {
		cfg.ScancelCmd = "scancel"
	}
	return &SlurmDriver{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "slurm-driver"),
	}
}

// Kind returns model.DriverKindSlurm.
func (d *SlurmDriver) Kind() model.DriverKind {
	return model.DriverKindSlurm
}

func (d *SlurmDriver) submitArgs(task *model.Task) []string {
	name := task.JobName()
	args := []string{
		"--parsable",
		"--job-name", name,
		"--chdir", task.RunPath,
		"--ntasks", "1",
		"--cpus-per-task", strconv.Itoa(task.CPUs()),
		"--output", filepath.Join(task.RunPath, name+".SLURM-stdout"),
		"--error", filepath.Join(task.RunPath, name+".SLURM-stderr"),
	}
	if d.cfg.Partition != "" {
		args = append(args, "--partition", d.cfg.Partition)
	}
	if len(task.Env) > 0 {
		args = append(args, "--export=ALL,"+strings.Join(sortedEnv(task.Env), ","))
	}
	args = append(args, task.Executable)
	return append(args, task.Args...)
}

// Submit runs sbatch --parsable; the job id is the first ';' field.
func (d *SlurmDriver) Submit(ctx context.Context, task *model.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindSlurm, Index: task.Index, Err: err}
	}
	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.SbatchCmd, d.submitArgs(task)...)
	if err != nil {
		return "", submitFailure(model.DriverKindSlurm, task, stdout, stderr, err)
	}
	if exitCode != 0 {
		return "", submitFailure(model.DriverKindSlurm, task, stdout, stderr, fmt.Errorf("%s exited with code %d", d.cfg.SbatchCmd, exitCode))
	}
	id, _, _ := strings.Cut(strings.TrimSpace(stdout), ";")
	if !slurmJobIDPattern.MatchString(id) {
		return "", submitFailure(model.DriverKindSlurm, task, stdout, stderr, errors.New("no job id in sbatch output"))
	}

	d.logger.Info("job submitted", "iens", task.Index, "job_id", id, "num_cpu", task.CPUs())
	return id, nil
}

// Poll asks squeue first; jobs that left the queue are looked up in sacct.
func (d *SlurmDriver) Poll(ctx context.Context, externalID string) (model.JobStatus, error) {
	stdout, _, exitCode, err := d.runner.Run(ctx, d.cfg.SqueueCmd, "-h", "-j", externalID, "-o", "%T")
	if err != nil {
		return "", fmt.Errorf("slurm driver: %s %s: %w", d.cfg.SqueueCmd, externalID, err)
	}
	if state := firstWord(stdout); exitCode == 0 && state != "" {
		return mapSlurmState(state)
	}

	stdout, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.SacctCmd, "-n", "-X", "-P", "-j", externalID, "-o", "State")
	if err != nil {
		return "", fmt.Errorf("slurm driver: %s %s: %w", d.cfg.SacctCmd, externalID, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("slurm driver: %s %s: exit code %d: %s", d.cfg.SacctCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	state := firstWord(stdout)
	if state == "" {
		return "", fmt.Errorf("slurm driver: job %s unknown to %s and %s", externalID, d.cfg.SqueueCmd, d.cfg.SacctCmd)
	}
	return mapSlurmState(state)
}

// Kill runs scancel.
func (d *SlurmDriver) Kill(ctx context.Context, externalID string) error {
	_, stderr, exitCode, err := d.runner.Run(ctx, d.cfg.ScancelCmd, externalID)
	if err != nil {
		return fmt.Errorf("slurm driver: %s %s: %w", d.cfg.ScancelCmd, externalID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("slurm driver: %s %s: exit code %d: %s", d.cfg.ScancelCmd, externalID, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// firstWord returns the first whitespace-separated word of the first line.
// sacct reports e.g. "CANCELLED by 1000".
func firstWord(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// mapSlurmState converts a Slurm job state to a JobStatus.
func mapSlurmState(state string) (model.JobStatus, error) {
	switch strings.TrimSuffix(state, "+") {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESIZING":
		return model.JobStatusPending, nil
	case "RUNNING", "COMPLETING", "SUSPENDED", "STOPPED", "SIGNALING", "STAGE_OUT":
		return model.JobStatusRunning, nil
	case "COMPLETED":
		return model.JobStatusDone, nil
	case "FAILED", "TIMEOUT", "CANCELLED", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return model.JobStatusExited, nil
	}
	return "", fmt.Errorf("slurm driver: unmapped job state %q", state)
}
