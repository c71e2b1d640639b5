package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/me/ensrun/internal/logging"
)

// Runner executes jobs sequentially inside a run path.
type Runner struct {
	runPath string
	env     []string
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a runner. env is the full environment shared by every
// job before per-job overrides.
func NewRunner(runPath string, env []string, logger *slog.Logger) *Runner {
	return &Runner{
		runPath: runPath,
		env:     env,
		logger:  logging.OrDiscard(logger).With("component", "dispatch-runner"),
		now:     time.Now,
	}
}

// Run executes jobs in order and calls emit for every message. It stops at
// the first failing job. The last message is always a Finish.
func (r *Runner) Run(ctx context.Context, init Init, jobs []Job, emit func(Message)) {
	init.base = base{at: r.now()}
	init.Jobs = jobs
	emit(init)

	for i, job := range jobs {
		emit(Start{base: base{at: r.now()}, Index: i, Job: job})
		code, err := r.runJob(ctx, job)
		emit(Exited{base: base{at: r.now(), err: err}, Index: i, Job: job, ExitCode: code})
		if err != nil {
			emit(Finish{base: base{at: r.now(), err: fmt.Errorf("job %s failed: %w", job.Name, err)}})
			return
		}
	}
	emit(Finish{base: base{at: r.now()}})
}

// runJob returns the process exit code and an error for any failure,
// including a non-zero exit.
func (r *Runner) runJob(ctx context.Context, job Job) (int, error) {
	if job.MaxRunningMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.MaxRunningMinutes)*time.Minute)
		defer cancel()
	}

	exe := job.Executable
	if !filepath.IsAbs(exe) && filepath.Base(exe) != exe {
		exe = filepath.Join(r.runPath, exe)
	}
	cmd := exec.CommandContext(ctx, exe, job.Args...)
	cmd.Dir = r.runPath
	cmd.Env = mergeEnv(r.env, job.Environment)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	open := func(name string, create bool) (*os.File, error) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.runPath, path)
		}
		var f *os.File
		var err error
		if create {
			f, err = os.Create(path)
		} else {
			f, err = os.Open(path)
		}
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		return f, nil
	}
	if job.Stdout != "" {
		f, err := open(job.Stdout, true)
		if err != nil {
			return -1, fmt.Errorf("open stdout: %w", err)
		}
		cmd.Stdout = f
	}
	if job.Stderr != "" {
		f, err := open(job.Stderr, true)
		if err != nil {
			return -1, fmt.Errorf("open stderr: %w", err)
		}
		cmd.Stderr = f
	}
	if job.Stdin != "" {
		f, err := open(job.Stdin, false)
		if err != nil {
			return -1, fmt.Errorf("open stdin: %w", err)
		}
		cmd.Stdin = f
	}

	r.logger.Info("starting job", "job", job.Name, "executable", exe, "args", job.Args)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if job.MaxRunningMinutes > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, fmt.Errorf("exceeded max_running_minutes (%d)", job.MaxRunningMinutes)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return -1, err
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := envMap(base)
	for k, v := range overrides {
		env[k] = v
	}
	return envList(env)
}
