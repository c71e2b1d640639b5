// Package step runs an in-process function against record transmitters.
package step

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/ensrun/internal/event"
	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/internal/record"
)

// Func computes output records from input records.
type Func func(ctx context.Context, inputs map[string]record.Record) (map[string]record.Record, error)

// Reporter receives lifecycle events.
type Reporter interface {
	Publish(env event.Envelope)
}

// Step binds a function to its input and output transmitters.
type Step struct {
	Name    string
	Inputs  map[string]record.Transmitter
	Outputs map[string]record.Transmitter
	Func    Func
	// Source identifies the step in events.
	Source string
	// InputPoll, when positive, waits for inputs that are not yet
	// transmitted, polling at this interval.
	InputPoll time.Duration
}

// Runner executes steps.
type Runner struct {
	reporter Reporter
	logger   *slog.Logger
}

// NewRunner creates a runner. reporter may be nil.
func NewRunner(reporter Reporter, logger *slog.Logger) *Runner {
	return &Runner{
		reporter: reporter,
		logger:   logging.OrDiscard(logger).With("component", "step"),
	}
}

// Run loads every input concurrently, calls the function and transmits
// every declared output concurrently. It emits job-start and then
// job-success or job-failure.
func (r *Runner) Run(ctx context.Context, s Step) error {
	r.publish(event.New(event.TypeJobStart, s.Source, map[string]any{"name": s.Name}))
	err := r.run(ctx, s)
	if err != nil {
		r.logger.Warn("step failed", "step", s.Name, "error", err)
		r.publish(event.Failure(event.TypeJobFailure, s.Source, err))
		return err
	}
	r.publish(event.New(event.TypeJobSuccess, s.Source, nil))
	return nil
}

func (r *Runner) run(ctx context.Context, s Step) error {
	if s.Func == nil {
		return fmt.Errorf("step %s: no function", s.Name)
	}
	inputs, err := r.load(ctx, s)
	if err != nil {
		return err
	}

	outputs, err := s.Func(ctx, inputs)
	if err != nil {
		return fmt.Errorf("step %s: %w", s.Name, err)
	}
	for name := range outputs {
		if _, ok := s.Outputs[name]; !ok {
			return fmt.Errorf("step %s: undeclared output %q", s.Name, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.Outputs)) {
		if _, ok := outputs[name]; !ok {
			return fmt.Errorf("step %s: output %q was not produced", s.Name, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, tr := range s.Outputs {
		rec := outputs[name]
		g.Go(func() error {
			if err := tr.Transmit(gctx, rec); err != nil {
				return fmt.Errorf("step %s: transmit %s: %w", s.Name, name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) load(ctx context.Context, s Step) (map[string]record.Record, error) {
	var mu sync.Mutex
	inputs := make(map[string]record.Record, len(s.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for name, tr := range s.Inputs {
		g.Go(func() error {
			var rec record.Record
			var err error
			if s.InputPoll > 0 {
				rec, err = record.LoadWhenReady(gctx, tr, s.InputPoll)
			} else {
				rec, err = tr.Load(gctx)
			}
			if err != nil {
				return fmt.Errorf("step %s: load %s: %w", s.Name, name, err)
			}
			mu.Lock()
			inputs[name] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (r *Runner) publish(env event.Envelope) {
	if r.reporter != nil {
		r.reporter.Publish(env)
	}
}
