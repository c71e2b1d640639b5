package queue

import (
	"context"
	"log/slog"

	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/pkg/model"
)

// Manager is the entry point for running a queue to completion.
type Manager struct {
	queue  *Queue
	logger *slog.Logger
}

// NewManager wraps q.
func NewManager(q *Queue, logger *slog.Logger) *Manager {
	return &Manager{
		queue:  q,
		logger: logging.OrDiscard(logger).With("component", "queue-manager"),
	}
}

// Queue returns the managed queue.
func (m *Manager) Queue() *Queue { return m.queue }

// ExecuteQueue marks submission complete and blocks until every job is
// DONE, FAILED or KILLED. Cancelling ctx kills the remaining jobs.
func (m *Manager) ExecuteQueue(ctx context.Context) (model.QueueSummary, error) {
	m.queue.SubmitComplete()
	err := m.queue.Run(ctx)
	summary := m.queue.Summary()
	m.logger.Info("queue execution ended",
		"total", summary.Total,
		"done", summary.Done,
		"failed", summary.Failed,
		"killed", summary.Killed,
	)
	return summary, err
}

// KillAllJobs cancels every non-terminal job. Safe to call while
// ExecuteQueue is blocked.
func (m *Manager) KillAllJobs() {
	m.queue.KillAllJobs()
}

// IsRunning reports whether ExecuteQueue is in progress.
func (m *Manager) IsRunning() bool { return m.queue.IsRunning() }

// Summary returns the current status counts.
func (m *Manager) Summary() model.QueueSummary { return m.queue.Summary() }

// Snapshot returns every job in index order.
func (m *Manager) Snapshot() []model.JobView { return m.queue.Snapshot() }

// Job returns the job with the given realization index.
func (m *Manager) Job(iens int) (model.JobView, bool) {
	n, ok := m.queue.Node(iens)
	if !ok {
		return model.JobView{}, false
	}
	return n.View(), true
}

// MetricsSnapshot returns the queue counters and gauges.
func (m *Manager) MetricsSnapshot() map[string]int64 {
	return m.queue.Metrics().Snapshot()
}
