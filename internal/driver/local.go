package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/me/ensrun/pkg/model"
)

// LocalDriver runs tasks as child processes of the current process.
// Each task gets its own process group so Kill reaches its descendants.
// A job is forgotten once Poll has reported its final status or it exited
// after Kill.
type LocalDriver struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	pid      int
	done     chan struct{}
	exitCode int // valid once done is closed
	killed   atomic.Bool
}

// NewLocalDriver creates a LocalDriver.
func NewLocalDriver(logger *slog.Logger) *LocalDriver {
	return &LocalDriver{
		logger: logger.With("component", "local-driver"),
		jobs:   make(map[string]*localJob),
	}
}

// Kind returns model.DriverKindLocal.
func (d *LocalDriver) Kind() model.DriverKind {
	return model.DriverKindLocal
}

// Submit starts the task and returns its pid as the external id.
// The process is not bound to ctx; it lives until it exits or is killed.
func (d *LocalDriver) Submit(_ context.Context, task *model.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindLocal, Index: task.Index, Err: err}
	}
	if err := os.MkdirAll(task.RunPath, 0o755); err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindLocal, Index: task.Index, Err: fmt.Errorf("create run path: %w", err)}
	}

	stdout, err := os.Create(filepath.Join(task.RunPath, task.JobName()+".stdout"))
	if err != nil {
		return "", &model.SubmitError{Driver: model.DriverKindLocal, Index: task.Index, Err: err}
	}
	stderr, err := os.Create(filepath.Join(task.RunPath, task.JobName()+".stderr"))
	if err != nil {
		stdout.Close()
		return "", &model.SubmitError{Driver: model.DriverKindLocal, Index: task.Index, Err: err}
	}

	cmd := exec.Command(task.Executable, task.Args...)
	cmd.Dir = task.RunPath
	cmd.Env = mergeEnv(os.Environ(), task.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", &model.SubmitError{Driver: model.DriverKindLocal, Index: task.Index, Err: err}
	}

	job := &localJob{pid: cmd.Process.Pid, done: make(chan struct{})}
	id := strconv.Itoa(job.pid)

	d.mu.Lock()
	d.jobs[id] = job
	d.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		stdout.Close()
		stderr.Close()
		job.exitCode = cmd.ProcessState.ExitCode()
		close(job.done)
		if job.killed.Load() {
			d.forget(id, job)
		}
		d.logger.Debug("process exited", "iens", task.Index, "job_id", id, "exit_code", job.exitCode)
	}()

	d.logger.Debug("process started", "iens", task.Index, "job_id", id, "executable", task.Executable)
	return id, nil
}

// Poll reports RUNNING while the process is alive, then DONE or EXITED
// according to its exit code.
func (d *LocalDriver) Poll(_ context.Context, externalID string) (model.JobStatus, error) {
	job, err := d.lookup(externalID)
	if err != nil {
		return "", err
	}
	select {
	case <-job.done:
		d.forget(externalID, job)
		if job.exitCode == 0 {
			return model.JobStatusDone, nil
		}
		return model.JobStatusExited, nil
	default:
		return model.JobStatusRunning, nil
	}
}

// Kill sends SIGKILL to the job's process group. Exited and forgotten
// jobs are ignored; a pid this driver does not track is never signalled.
func (d *LocalDriver) Kill(_ context.Context, externalID string) error {
	job, err := d.lookup(externalID)
	if err != nil {
		return nil
	}
	job.killed.Store(true)
	select {
	case <-job.done:
		d.forget(externalID, job)
		return nil
	default:
	}
	if err := unix.Kill(-job.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("local driver: kill %s: %w", externalID, err)
	}
	d.logger.Debug("process group killed", "job_id", externalID)
	return nil
}

// Wait blocks until the job exits or ctx is done.
func (d *LocalDriver) Wait(ctx context.Context, externalID string) error {
	job, err := d.lookup(externalID)
	if err != nil {
		return err
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LocalDriver) lookup(externalID string) (*localJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[externalID]
	if !ok {
		return nil, fmt.Errorf("local driver: unknown job %q", externalID)
	}
	return job, nil
}

// forget drops job unless externalID was already reused by a newer process.
func (d *LocalDriver) forget(externalID string, job *localJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[externalID] == job {
		delete(d.jobs, externalID)
	}
}

// tracked returns the number of jobs the driver still holds.
func (d *LocalDriver) tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// mergeEnv overlays overrides onto a KEY=VALUE environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	return append(out, sortedEnv(overrides)...)
}
