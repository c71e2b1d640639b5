package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/driver"
	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/pkg/model"
)

// ErrSubmitComplete is returned when adding a job after SubmitComplete.
var ErrSubmitComplete = errors.New("queue: submit already complete")

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("queue: already running")

// Options holds the queue limits.
type Options struct {
	MaxRunning   int
	MaxSubmit    int
	PollInterval time.Duration
	StatusFile   string
	OKFile       string
	ExitFile     string
}

// OptionsFromConfig converts the queue config section.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxRunning:   cfg.MaxRunning,
		MaxSubmit:    cfg.MaxSubmit,
		PollInterval: cfg.PollInterval,
		StatusFile:   cfg.StatusFile,
		OKFile:       cfg.OKFile,
		ExitFile:     cfg.ExitFile,
	}
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithReporter publishes node lifecycle events through r.
// evaluatorID prefixes every event source.
func WithReporter(r Reporter, evaluatorID string) Option {
	return func(q *Queue) {
		q.reporter = r
		q.evaluatorID = evaluatorID
	}
}

// WithMetrics records queue metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue runs nodes through a shared driver, at most MaxRunning at a time.
type Queue struct {
	driver      driver.Driver
	opts        Options
	sem         *Semaphore
	reporter    Reporter
	evaluatorID string
	metrics     *Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	nodes    []*Node // sorted by task index
	byIndex  map[int]*Node
	complete bool
	killed   bool
	running  bool

	wg      sync.WaitGroup
	changed chan struct{}
}

// New creates a queue. MaxRunning and MaxSubmit below 1 are raised to 1.
func New(d driver.Driver, opts Options, logger *slog.Logger, options ...Option) *Queue {
	if opts.MaxRunning < 1 {
		opts.MaxRunning = 1
	}
	if opts.MaxSubmit < 1 {
		opts.MaxSubmit = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StatusFile == "" {
		opts.StatusFile = model.DefaultStatusFile
	}
	if opts.OKFile == "" {
		opts.OKFile = model.DefaultOKFile
	}
	if opts.ExitFile == "" {
		opts.ExitFile = model.DefaultExitFile
	}
	q := &Queue{
		driver:  d,
		opts:    opts,
		sem:     NewSemaphore(opts.MaxRunning),
		logger:  logging.OrDiscard(logger).With("component", "queue"),
		byIndex: make(map[int]*Node),
		changed: make(chan struct{}, 1),
	}
	for _, o := range options {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	return q
}

// AddJob appends a task. onDone runs after a successful attempt and onExit
// after the final failed attempt; either may be nil.
func (q *Queue) AddJob(task *model.Task, onDone, onExit Callback) (*Node, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	task.ApplyMarkerDefaults(q.opts.StatusFile, q.opts.OKFile, q.opts.ExitFile)

	q.mu.Lock()
	if q.complete {
		q.mu.Unlock()
		return nil, ErrSubmitComplete
	}
	if _, dup := q.byIndex[task.Index]; dup {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: duplicate task index %d", task.Index)
	}
	n := newNode(task, q, onDone, onExit)
	i := sort.Search(len(q.nodes), func(i int) bool { return q.nodes[i].Index() > task.Index })
	q.nodes = append(q.nodes, nil)
	copy(q.nodes[i+1:], q.nodes[i:])
	q.nodes[i] = n
	q.byIndex[task.Index] = n
	killed := q.killed
	q.mu.Unlock()

	if killed {
		n.Stop()
	}
	q.signal()
	return n, nil
}

// SubmitComplete marks that no more jobs will be added.
func (q *Queue) SubmitComplete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.signal()
}

// Run launches nodes as permits free up and blocks until every node is
// terminal and SubmitComplete was called, or KillAllJobs was requested and
// every node settled. Cancelling ctx kills all jobs and returns ctx.Err().
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	q.logger.Info("queue started", "max_running", q.opts.MaxRunning, "max_submit", q.opts.MaxSubmit)
	for {
		q.launch(ctx)
		if q.finished() {
			q.wg.Wait()
			q.logger.Info("queue finished", "summary", q.Summary())
			return nil
		}
		select {
		case <-q.changed:
		case <-ctx.Done():
			q.KillAllJobs()
			q.wg.Wait()
			return ctx.Err()
		}
	}
}

// launch hands free permits to NOT_SUBMITTED nodes in index order.
func (q *Queue) launch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.killed {
		return
	}
	for _, n := range q.nodes {
		if !n.launchable() {
			continue
		}
		if !q.sem.TryAcquire() {
			break
		}
		q.wg.Add(1)
		if !n.start(ctx, q.release) {
			q.sem.Release()
			q.wg.Done()
			continue
		}
		q.metrics.Running.Update(int64(q.sem.InUse()))
	}
}

// release is called by a node monitor on exit.
func (q *Queue) release() {
	q.sem.Release()
	q.metrics.Running.Update(int64(q.sem.InUse()))
	q.wg.Done()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

func (q *Queue) finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.complete && !q.killed {
		return false
	}
	for _, n := range q.nodes {
		if !n.Status().IsTerminal() {
			return false
		}
	}
	return true
}

// KillAllJobs stops every non-terminal node. Safe to call concurrently with
// Run; stopped nodes settle as KILLED.
func (q *Queue) KillAllJobs() {
	q.mu.Lock()
	alreadyKilled := q.killed
	q.killed = true
	nodes := append([]*Node(nil), q.nodes...)
	q.mu.Unlock()

	if !alreadyKilled {
		q.logger.Info("killing all jobs", "count", len(nodes))
	}
	for _, n := range nodes {
		n.Stop()
	}
	q.signal()
}

// IsRunning reports whether Run is in progress.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Node returns the node for a task index.
func (q *Queue) Node(index int) (*Node, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.byIndex[index]
	return n, ok
}

// Nodes returns the nodes in index order.
func (q *Queue) Nodes() []*Node {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Node(nil), q.nodes...)
}

// Snapshot returns an API view of every node in index order.
func (q *Queue) Snapshot() []model.JobView {
	nodes := q.Nodes()
	views := make([]model.JobView, len(nodes))
	for i, n := range nodes {
		views[i] = n.View()
	}
	return views
}

// Summary counts nodes by status class.
func (q *Queue) Summary() model.QueueSummary {
	var s model.QueueSummary
	for _, n := range q.Nodes() {
		s.Total++
		switch st := n.Status(); {
		case st == model.JobStatusDone:
			s.Done++
		case st == model.JobStatusFailed:
			s.Failed++
		case st == model.JobStatusKilled:
			s.Killed++
		case st.IsActive():
			s.Running++
		default:
			s.Waiting++
		}
	}
	return s
}

// Metrics returns the queue's metric instruments.
func (q *Queue) Metrics() *Metrics { return q.metrics }

// Options returns the effective queue options.
func (q *Queue) Options() Options { return q.opts }
