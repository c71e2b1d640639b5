package dispatch

import "time"

// Message is one step of a dispatch run, handed to every reporter in order.
type Message interface {
	Time() time.Time
	// Err returns the failure carried by the message, if any.
	Err() error
}

type base struct {
	at  time.Time
	err error
}

func (b base) Time() time.Time { return b.at }
func (b base) Err() error      { return b.err }

// Init opens a run.
type Init struct {
	base
	Jobs        []Job
	RunID       string
	EvaluatorID string
	RealID      string
	StepID      string
}

// Start is sent before a job is launched.
type Start struct {
	base
	Index int
	Job   Job
}

// Exited is sent when a job finished. Err is set on failure.
type Exited struct {
	base
	Index    int
	Job      Job
	ExitCode int
}

// Finish closes a run. Err is set if any job failed.
type Finish struct {
	base
}

// Success reports whether a message carries no failure.
func Success(m Message) bool { return m.Err() == nil }
