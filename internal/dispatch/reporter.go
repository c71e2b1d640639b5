package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/me/ensrun/internal/event"
	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/pkg/model"
)

// Reporter consumes dispatch messages.
type Reporter interface {
	Report(m Message) error
}

const timeLayout = "15:04:05"

// FileReporter maintains the STATUS, OK and ERROR markers in the run path
// that the queue polls.
type FileReporter struct {
	statusPath string
	okPath     string
	errorPath  string
}

// NewFileReporter writes markers with the default names into runPath.
func NewFileReporter(runPath string) *FileReporter {
	return &FileReporter{
		statusPath: filepath.Join(runPath, model.DefaultStatusFile),
		okPath:     filepath.Join(runPath, model.DefaultOKFile),
		errorPath:  filepath.Join(runPath, model.DefaultExitFile),
	}
}

// Report updates the marker files for m.
func (r *FileReporter) Report(m Message) error {
	switch msg := m.(type) {
	case Init:
		for _, p := range []string{r.statusPath, r.okPath, r.errorPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		host, _ := os.Hostname()
		return r.appendStatus(fmt.Sprintf("%-32s: %s\n", "Current host", host))
	case Start:
		return r.appendStatus(fmt.Sprintf("%-32s: %s .... ", msg.Job.Name, msg.Time().Format(timeLayout)))
	case Exited:
		if msg.Err() == nil {
			return r.appendStatus(msg.Time().Format(timeLayout) + "\n")
		}
		if err := r.appendStatus(fmt.Sprintf("EXIT: %d/%v\n", msg.ExitCode, msg.Err())); err != nil {
			return err
		}
		return r.writeError(msg)
	case Finish:
		if msg.Err() != nil {
			return nil
		}
		return os.WriteFile(r.okPath, []byte("All jobs complete "+msg.Time().Format(time.DateTime)+"\n"), 0o644)
	}
	return nil
}

func (r *FileReporter) appendStatus(line string) error {
	f, err := os.OpenFile(r.statusPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *FileReporter) writeError(msg Exited) error {
	var stderr string
	if msg.Job.Stderr != "" {
		path := msg.Job.Stderr
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(r.errorPath), path)
		}
		if data, err := os.ReadFile(path); err == nil {
			stderr = string(data)
		}
	}
	body := fmt.Sprintf("<error>\n  <time>%s</time>\n  <job>%s</job>\n  <reason>%v</reason>\n  <stderr>\n%s</stderr>\n</error>\n",
		msg.Time().Format(timeLayout), msg.Job.Name, msg.Err(), stderr)
	f, err := os.OpenFile(r.errorPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// InteractiveReporter prints progress for a run started by hand.
type InteractiveReporter struct {
	w io.Writer
}

// NewInteractiveReporter writes to w.
func NewInteractiveReporter(w io.Writer) *InteractiveReporter {
	return &InteractiveReporter{w: w}
}

// Report prints one line per job outcome and a final verdict.
func (r *InteractiveReporter) Report(m Message) error {
	var err error
	switch msg := m.(type) {
	case Start:
		_, err = fmt.Fprintf(r.w, "Running job: %s ... ", msg.Job.Name)
	case Exited:
		if msg.Err() == nil {
			_, err = fmt.Fprintln(r.w, "OK")
		} else {
			_, err = fmt.Fprintf(r.w, "failed: %v\n", msg.Err())
		}
	case Finish:
		if msg.Err() == nil {
			_, err = fmt.Fprintln(r.w, "OK")
		} else {
			_, err = fmt.Fprintf(r.w, "Run failed: %v\n", msg.Err())
		}
	}
	return err
}

// EventReporter forwards messages to the ensemble evaluator as lifecycle
// events. Delivery is asynchronous until Finish, which drains the queue.
type EventReporter struct {
	publisher   *event.Publisher
	closeConn   func() error
	evaluatorID string
	realID      int
	stepID      string
	drainWait   time.Duration
	logger      *slog.Logger
}

// NewEventReporter builds a reporter over a websocket client for jf.
func NewEventReporter(jf *JobsFile, logger *slog.Logger) (*EventReporter, error) {
	logger = logging.OrDiscard(logger)
	realID := 0
	if s := string(jf.RealID); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid real_id %q: %w", s, err)
		}
		realID = n
	}
	opts := []event.ClientOption{event.WithLogger(logger)}
	if jf.Token != "" {
		opts = append(opts, event.WithToken(jf.Token))
	}
	if jf.Certificate != "" {
		opts = append(opts, event.WithCertificate([]byte(jf.Certificate)))
	}
	client, err := event.NewClient(jf.DispatchURL, opts...)
	if err != nil {
		return nil, err
	}
	stepID := string(jf.StepID)
	if stepID == "" {
		stepID = "0"
	}
	return newEventReporter(event.NewPublisher(client, logger), client.Close, string(jf.EvaluatorID), realID, stepID, logger), nil
}

func newEventReporter(p *event.Publisher, closeConn func() error, evaluatorID string, realID int, stepID string, logger *slog.Logger) *EventReporter {
	return &EventReporter{
		publisher:   p,
		closeConn:   closeConn,
		evaluatorID: evaluatorID,
		realID:      realID,
		stepID:      stepID,
		drainWait:   time.Minute,
		logger:      logger.With("component", "dispatch-events"),
	}
}

// Report publishes the event for m.
func (r *EventReporter) Report(m Message) error {
	stepSource := event.StepSource(r.evaluatorID, r.realID, r.stepID)
	switch msg := m.(type) {
	case Init:
		r.publisher.Publish(event.New(event.TypeStepRunning, stepSource, nil))
	case Start:
		src := event.JobSource(r.evaluatorID, r.realID, r.stepID, msg.Index)
		r.publisher.Publish(event.New(event.TypeJobStart, src, map[string]any{
			"name":       msg.Job.Name,
			"executable": msg.Job.Executable,
			"stdout":     msg.Job.Stdout,
			"stderr":     msg.Job.Stderr,
		}))
	case Exited:
		src := event.JobSource(r.evaluatorID, r.realID, r.stepID, msg.Index)
		if msg.Err() == nil {
			r.publisher.Publish(event.New(event.TypeJobSuccess, src, nil))
		} else {
			r.publisher.Publish(event.New(event.TypeJobFailure, src, map[string]any{
				event.ErrorKey: msg.Err().Error(),
				"exit_code":    msg.ExitCode,
			}))
		}
	case Finish:
		if msg.Err() == nil {
			r.publisher.Publish(event.New(event.TypeStepSuccess, stepSource, nil))
		} else {
			r.publisher.Publish(event.Failure(event.TypeStepFailure, stepSource, msg.Err()))
		}
		return r.close()
	}
	return nil
}

func (r *EventReporter) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainWait)
	defer cancel()
	err := r.publisher.Close(ctx)
	if r.closeConn != nil {
		r.closeConn()
	}
	if err != nil {
		return fmt.Errorf("deliver events: %w", err)
	}
	return nil
}
