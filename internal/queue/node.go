package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/me/ensrun/internal/driver"
	"github.com/me/ensrun/internal/event"
	"github.com/me/ensrun/pkg/model"
)

// killTimeout bounds a driver Kill issued after the run context is gone.
const killTimeout = 30 * time.Second

// maxErrorMessage caps the failure text read from an exit marker.
const maxErrorMessage = 1024

// Callback is invoked once a node settles.
// A done callback that returns an error turns the success into a failed attempt.
type Callback func(ctx context.Context, res model.JobResult) error

// Reporter receives lifecycle events. Publish must not block.
type Reporter interface {
	Publish(env event.Envelope)
}

// Node tracks a single task through submission, polling and resubmission.
// Status fields are written only by the node's own monitor, except that
// Stop may settle a node whose monitor is not running.
type Node struct {
	task         *model.Task
	driver       driver.Driver
	maxSubmit    int
	pollInterval time.Duration
	onDone       Callback
	onExit       Callback
	reporter     Reporter
	source       string
	metrics      *Metrics
	logger       *slog.Logger

	mu            sync.Mutex
	status        model.JobStatus
	submitAttempt int
	externalID    string
	lastErr       string
	active        bool // monitor goroutine owns the node
	cancelled     bool

	killOnce sync.Once
	killCh   chan struct{}
	done     chan struct{}
}

func newNode(task *model.Task, q *Queue, onDone, onExit Callback) *Node {
	n := &Node{
		task:         task,
		driver:       q.driver,
		maxSubmit:    q.opts.MaxSubmit,
		pollInterval: q.opts.PollInterval,
		onDone:       onDone,
		onExit:       onExit,
		reporter:     q.reporter,
		metrics:      q.metrics,
		logger:       q.logger.With("component", "queue-node", "iens", task.Index),
		status:       model.JobStatusNotSubmitted,
		killCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if q.reporter != nil {
		n.source = event.StepSource(q.evaluatorID, task.Index, "0")
	}
	return n
}

// Index returns the task index.
func (n *Node) Index() int { return n.task.Index }

// Task returns the node's task description.
func (n *Node) Task() *model.Task { return n.task }

// Status returns the current status.
func (n *Node) Status() model.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SubmitAttempts returns how many times the task has been submitted.
func (n *Node) SubmitAttempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitAttempt
}

// View returns an API view of the node.
func (n *Node) View() model.JobView {
	n.mu.Lock()
	defer n.mu.Unlock()
	return model.JobView{
		Index:          n.task.Index,
		Name:           n.task.JobName(),
		Status:         n.status,
		ExternalID:     n.externalID,
		SubmitAttempts: n.submitAttempt,
		RunPath:        n.task.RunPath,
	}
}

// WaitFor blocks until the node is terminal or ctx is done.
func (n *Node) WaitFor(ctx context.Context) error {
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the node reaches a terminal state.
func (n *Node) Done() <-chan struct{} { return n.done }

// Stop requests cancellation. It is a no-op on a terminal node.
// A node without a running monitor is settled as KILLED immediately;
// otherwise the monitor kills the backend job on its next wake-up.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.status.IsTerminal() {
		n.mu.Unlock()
		return
	}
	n.cancelled = true
	if !n.active {
		n.settleLocked(model.JobStatusKilled, "killed")
		n.mu.Unlock()
		n.reportKilled()
		return
	}
	n.mu.Unlock()
	n.killOnce.Do(func() { close(n.killCh) })
}

// launchable reports whether the queue may hand the node a permit.
func (n *Node) launchable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.active && !n.cancelled && n.status == model.JobStatusNotSubmitted
}

// start claims the node for a monitor goroutine. release is called exactly
// once when the monitor exits, after the node left every active state.
func (n *Node) start(ctx context.Context, release func()) bool {
	n.mu.Lock()
	if n.active || n.cancelled || n.status != model.JobStatusNotSubmitted {
		n.mu.Unlock()
		return false
	}
	n.active = true
	n.mu.Unlock()

	go func() {
		defer release()
		n.run(ctx)
	}()
	return true
}

// run performs one submission attempt and monitors it until the node is
// terminal or back in NOT_SUBMITTED.
func (n *Node) run(ctx context.Context) {
	defer func() {
		n.mu.Lock()
		n.active = false
		orphaned := n.cancelled && !n.status.IsTerminal()
		if orphaned {
			n.settleLocked(model.JobStatusKilled, "killed")
		}
		n.mu.Unlock()
		if orphaned {
			n.reportKilled()
		}
	}()

	n.removeStaleMarkers()

	if n.isCancelled() || ctx.Err() != nil {
		n.finishKilled(ctx, "")
		return
	}

	id, err := n.driver.Submit(ctx, n.task)
	if err != nil {
		n.mu.Lock()
		n.submitAttempt++
		attempt := n.submitAttempt
		n.mu.Unlock()
		n.metrics.SubmitErrors.Inc(1)
		n.logger.Warn("submit failed", "attempt", attempt, "max_submit", n.maxSubmit, "error", err)
		n.failAttempt(ctx, err.Error())
		return
	}

	n.mu.Lock()
	n.submitAttempt++
	n.externalID = id
	n.lastErr = ""
	if err := n.transitionLocked(model.JobStatusSubmitted); err != nil {
		n.logger.Error("unexpected transition", "error", err)
	}
	attempt := n.submitAttempt
	n.mu.Unlock()
	n.metrics.Submitted.Inc(1)
	n.logger.Info("job submitted", "job_id", id, "attempt", attempt, "max_submit", n.maxSubmit)

	n.monitor(ctx, id)
}

// monitor polls the driver until the job leaves the backend.
func (n *Node) monitor(ctx context.Context, id string) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	reportedRunning := false
	for {
		select {
		case <-n.killCh:
			n.finishKilled(ctx, id)
			return
		case <-ctx.Done():
			n.finishKilled(ctx, id)
			return
		case <-ticker.C:
		}

		if n.isCancelled() {
			n.finishKilled(ctx, id)
			return
		}

		status, err := n.driver.Poll(ctx, id)
		if err != nil {
			n.logger.Debug("poll failed, retrying next tick", "job_id", id, "error", err)
			continue
		}

		switch status {
		case model.JobStatusPending, model.JobStatusRunning:
			n.setStatus(status)
			if status == model.JobStatusRunning && !reportedRunning {
				reportedRunning = true
				n.publish(event.New(event.TypeStepRunning, n.source, nil))
			}
		case model.JobStatusDone, model.JobStatusExited:
			n.settleFinished(ctx, status)
			return
		}
	}
}

// settleFinished evaluates the marker files once the backend job has ended.
func (n *Node) settleFinished(ctx context.Context, backend model.JobStatus) {
	if msg, failed := n.exitMarker(); failed {
		n.failAttempt(ctx, msg)
		return
	}
	if backend != model.JobStatusDone && !fileExists(n.task.OKPath()) {
		n.failAttempt(ctx, "job exited without success marker")
		return
	}

	if n.onDone != nil {
		res := n.result(model.JobStatusDone, "")
		if err := n.onDone(ctx, res); err != nil {
			n.logger.Warn("done callback failed", "error", err)
			n.failAttempt(ctx, fmt.Sprintf("done callback: %v", err))
			return
		}
	}

	n.mu.Lock()
	n.settleLocked(model.JobStatusDone, "")
	n.mu.Unlock()
	n.metrics.Done.Inc(1)
	n.logger.Info("job done", "attempt", n.SubmitAttempts())
	n.publish(event.New(event.TypeStepSuccess, n.source, nil))
}

// failAttempt records an EXITED outcome and either rearms the node for
// resubmission or settles it as FAILED.
func (n *Node) failAttempt(ctx context.Context, msg string) {
	n.mu.Lock()
	n.status = model.JobStatusExited
	n.lastErr = msg
	if n.cancelled {
		n.settleLocked(model.JobStatusKilled, "killed")
		n.mu.Unlock()
		n.reportKilled()
		return
	}
	if n.submitAttempt < n.maxSubmit {
		n.status = model.JobStatusNotSubmitted
		attempt := n.submitAttempt
		n.mu.Unlock()
		n.metrics.Resubmitted.Inc(1)
		n.logger.Info("job exited, will resubmit", "attempt", attempt, "max_submit", n.maxSubmit, "error", msg)
		return
	}
	n.settleLocked(model.JobStatusFailed, msg)
	n.mu.Unlock()

	n.metrics.Failed.Inc(1)
	n.logger.Warn("job failed", "attempts", n.SubmitAttempts(), "error", msg)
	if n.onExit != nil {
		if err := n.onExit(ctx, n.result(model.JobStatusFailed, msg)); err != nil {
			n.logger.Warn("exit callback failed", "error", err)
		}
	}
	n.publish(event.Failure(event.TypeStepFailure, n.source, errors.New(msg)))
}

// finishKilled cancels the backend job, if any, and settles as KILLED.
func (n *Node) finishKilled(ctx context.Context, id string) {
	if id != "" {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		if err := n.driver.Kill(killCtx, id); err != nil {
			n.logger.Warn("kill failed", "job_id", id, "error", err)
		}
		cancel()
	}
	n.mu.Lock()
	n.cancelled = true
	n.settleLocked(model.JobStatusKilled, "killed")
	n.mu.Unlock()
	n.reportKilled()
}

func (n *Node) reportKilled() {
	n.metrics.Killed.Inc(1)
	n.logger.Info("job killed")
	n.publish(event.New(event.TypeStepFailure, n.source, map[string]any{
		event.ErrorKey: "killed",
		"status":       string(model.JobStatusKilled),
	}))
}

// settleLocked moves the node to a terminal state and releases waiters.
// Caller holds n.mu.
func (n *Node) settleLocked(status model.JobStatus, msg string) {
	if n.status.IsTerminal() {
		return
	}
	n.status = status
	if msg != "" {
		n.lastErr = msg
	}
	close(n.done)
}

func (n *Node) transitionLocked(next model.JobStatus) error {
	if n.status == next {
		return nil
	}
	if !n.status.CanTransitionTo(next) {
		return &model.InvalidTransitionError{Index: n.task.Index, From: n.status, To: next}
	}
	n.status = next
	return nil
}

func (n *Node) setStatus(status model.JobStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.transitionLocked(status); err != nil {
		n.logger.Debug("ignoring status update", "error", err)
	}
}

func (n *Node) isCancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

func (n *Node) result(status model.JobStatus, msg string) model.JobResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	return model.JobResult{
		Index:          n.task.Index,
		Name:           n.task.JobName(),
		Status:         status,
		RunPath:        n.task.RunPath,
		ExternalID:     n.externalID,
		SubmitAttempts: n.submitAttempt,
		Error:          msg,
		StatusPath:     n.task.StatusPath(),
		OKPath:         n.task.OKPath(),
		ExitPath:       n.task.ExitPath(),
	}
}

func (n *Node) publish(env event.Envelope) {
	if n.reporter == nil {
		return
	}
	n.reporter.Publish(env)
}

// removeStaleMarkers deletes OK and exit markers left by a previous attempt.
func (n *Node) removeStaleMarkers() {
	for _, p := range []string{n.task.OKPath(), n.task.ExitPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			n.logger.Warn("remove stale marker", "path", p, "error", err)
		}
	}
}

// exitMarker returns the failure text of the exit marker, if present.
func (n *Node) exitMarker() (string, bool) {
	data, err := os.ReadFile(n.task.ExitPath())
	if err != nil {
		return "", false
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	if msg == "" {
		msg = "job wrote exit marker"
	}
	return msg, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
