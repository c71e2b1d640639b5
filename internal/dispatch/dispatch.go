package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/me/ensrun/internal/logging"
)

// Options configures a dispatch run.
type Options struct {
	RunPath string
	// JobNames restricts the run to these jobs. Empty runs every job.
	JobNames []string
	// Interactive replaces the file and event reporters with console output
	// and disables process group termination.
	Interactive bool
	Stdout      io.Writer
	Logger      *slog.Logger

	// KillProcessGroup terminates the dispatcher's process group. Defaults
	// to SIGKILL on the current group.
	KillProcessGroup func() error
	// Environ returns the base environment. Defaults to os.Environ.
	Environ func() []string
}

// Dispatch loads jobs.json from the run path and runs the selected jobs.
// A missing or malformed jobs file returns *JobsFileError before any job
// starts. Job failures are reported through the reporters, not returned;
// after a failed run the process group is killed unless Interactive.
func Dispatch(ctx context.Context, opts Options) error {
	logger := logging.OrDiscard(opts.Logger).With("component", "dispatch")

	jf, err := LoadJobsFile(opts.RunPath)
	if err != nil {
		return err
	}
	jobs, missing := jf.Select(opts.JobNames)
	if len(missing) > 0 {
		logger.Warn("requested jobs not found in jobs file", "jobs", missing)
	}

	if mask, ok, err := jf.ParseUmask(); err != nil {
		return &JobsFileError{Path: opts.RunPath, Err: err}
	} else if ok {
		unix.Umask(mask)
	}

	reporters, err := setupReporters(opts, jf, logger)
	if err != nil {
		return err
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}
	runner := NewRunner(opts.RunPath, jf.Environment(environ()), opts.Logger)

	var final Message
	runner.Run(ctx, Init{
		RunID:       string(jf.RunID),
		EvaluatorID: string(jf.EvaluatorID),
		RealID:      string(jf.RealID),
		StepID:      string(jf.StepID),
	}, jobs, func(m Message) {
		for _, r := range reporters {
			if err := r.Report(m); err != nil {
				logger.Error("reporter failed", "error", err)
			}
		}
		if f, ok := m.(Finish); ok {
			final = f
		}
	})

	if final != nil && final.Err() != nil {
		logger.Error("run failed", "error", final.Err())
		if !opts.Interactive {
			kill := opts.KillProcessGroup
			if kill == nil {
				kill = killProcessGroup
			}
			if err := kill(); err != nil {
				return err
			}
		}
	}
	return nil
}

// setupReporters returns the console reporter for interactive runs, and
// otherwise the file reporter plus an event reporter when an evaluator is
// configured.
func setupReporters(opts Options, jf *JobsFile, logger *slog.Logger) ([]Reporter, error) {
	if opts.Interactive {
		w := opts.Stdout
		if w == nil {
			w = os.Stdout
		}
		return []Reporter{NewInteractiveReporter(w)}, nil
	}
	reporters := []Reporter{NewFileReporter(opts.RunPath)}
	if jf.EvaluatorID != "" {
		if jf.DispatchURL == "" {
			return nil, errors.New("ee_id is set but dispatch_url is empty")
		}
		er, err := NewEventReporter(jf, logger)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, er)
	}
	return reporters, nil
}

func killProcessGroup() error {
	pgid, err := unix.Getpgid(0)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}
