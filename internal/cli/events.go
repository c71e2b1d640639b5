package cli

import (
	"context"
	"time"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/event"
)

// eventDrainTimeout bounds how long a command waits for queued events on exit.
const eventDrainTimeout = time.Minute

// startPublisher connects the event stream when events.url is set. It
// returns a nil publisher otherwise. stop drains the queue and closes the
// connection.
func startPublisher(ec config.EventConfig) (pub *event.Publisher, stop func(), err error) {
	if ec.URL == "" {
		return nil, func() {}, nil
	}
	client, err := event.NewClientFromConfig(ec, logger)
	if err != nil {
		return nil, nil, err
	}
	pub = event.NewPublisher(client, logger)
	stop = func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventDrainTimeout)
		defer cancel()
		if err := pub.Close(ctx); err != nil {
			logger.Warn("events not fully delivered", "error", err)
		}
		client.Close()
	}
	return pub, stop, nil
}
