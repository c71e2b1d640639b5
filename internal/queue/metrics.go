package queue

import metrics "github.com/rcrowley/go-metrics"

// Metrics holds the queue's go-metrics instruments.
type Metrics struct {
	Registry metrics.Registry

	Submitted    metrics.Counter
	Resubmitted  metrics.Counter
	Done         metrics.Counter
	Failed       metrics.Counter
	Killed       metrics.Counter
	SubmitErrors metrics.Counter
	Running      metrics.Gauge
}

// NewMetrics registers the queue instruments in r.
// A nil registry gets a fresh private one.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Metrics{
		Registry:     r,
		Submitted:    metrics.GetOrRegisterCounter("queue.submitted", r),
		Resubmitted:  metrics.GetOrRegisterCounter("queue.resubmitted", r),
		Done:         metrics.GetOrRegisterCounter("queue.done", r),
		Failed:       metrics.GetOrRegisterCounter("queue.failed", r),
		Killed:       metrics.GetOrRegisterCounter("queue.killed", r),
		SubmitErrors: metrics.GetOrRegisterCounter("queue.submit_errors", r),
		Running:      metrics.GetOrRegisterGauge("queue.running", r),
	}
}

// Snapshot returns the current counter and gauge values keyed by name.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	m.Registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		}
	})
	return out
}
