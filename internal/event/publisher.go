package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/me/ensrun/internal/logging"
)

// Publisher forwards envelopes to a Sender from a background goroutine so
// that Publish never blocks task progress. Order is preserved.
type Publisher struct {
	sender Sender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []Envelope
	closed    bool
	stopped   bool // remote ended the session
	err       error
	delivered int
	dropped   int

	wake chan struct{}
	done chan struct{}
}

// NewPublisher starts a publisher over sender.
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sender: sender,
		logger: logging.OrDiscard(logger).With("component", "event-publisher"),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish queues env for delivery. Envelopes published after Close or
// after the remote closed the session are dropped.
func (p *Publisher) Publish(env Envelope) {
	p.mu.Lock()
	if p.closed || p.stopped {
		p.dropped++
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, env)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting envelopes and waits until the queue is drained or
// ctx is done. It returns the first delivery error, if any.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns how many envelopes were delivered and dropped.
func (p *Publisher) Stats() (delivered, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered, p.dropped
}

func (p *Publisher) loop() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			<-p.wake
			continue
		}
		env := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		err := p.sender.Send(p.ctx, env)

		p.mu.Lock()
		switch {
		case err == nil:
			p.delivered++
		case errors.Is(err, ErrClosedByRemote):
			p.stopped = true
			p.dropped += 1 + len(p.pending)
			p.pending = nil
			if p.err == nil {
				p.err = err
			}
			p.logger.Info("collector closed the session, dropping remaining events")
		default:
			p.dropped++
			if p.err == nil {
				p.err = err
			}
			p.logger.Warn("event dropped", "type", env.Type, "source", env.Source, "error", err)
		}
		p.mu.Unlock()
	}
}
