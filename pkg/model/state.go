package model

import (
	"fmt"
	"strings"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusNotSubmitted JobStatus = "NOT_SUBMITTED"
	JobStatusSubmitted    JobStatus = "SUBMITTED"
	JobStatusPending      JobStatus = "PENDING"
	JobStatusRunning      JobStatus = "RUNNING"
	JobStatusDone         JobStatus = "DONE"
	JobStatusExited       JobStatus = "EXITED"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusKilled       JobStatus = "KILLED"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job will never change state again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusKilled:
		return true
	}
	return false
}

// IsActive returns true for the post-submission, non-terminal states.
// A job in one of these states holds a slot of the queue's max_running budget.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusSubmitted, JobStatusPending, JobStatusRunning:
		return true
	}
	return false
}

// ParseJobStatus parses a status name, case-insensitively.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(strings.ToUpper(s)); st {
	case JobStatusNotSubmitted, JobStatusSubmitted, JobStatusPending, JobStatusRunning,
		JobStatusDone, JobStatusExited, JobStatusFailed, JobStatusKilled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// ValidJobTransitions defines the allowed state transitions for jobs.
// KILLED is reachable from every non-terminal state and is not listed.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusNotSubmitted: {JobStatusSubmitted, JobStatusExited},
	JobStatusSubmitted:    {JobStatusPending, JobStatusRunning, JobStatusDone, JobStatusExited},
	JobStatusPending:      {JobStatusRunning, JobStatusDone, JobStatusExited},
	JobStatusRunning:      {JobStatusDone, JobStatusExited},
	JobStatusExited:       {JobStatusNotSubmitted, JobStatusFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if next == JobStatusKilled {
		return !s.IsTerminal()
	}
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DriverKind identifies which backend submits jobs.
type DriverKind string

const (
	DriverKindLocal  DriverKind = "local"
	DriverKindLSF    DriverKind = "lsf"
	DriverKindSlurm  DriverKind = "slurm"
	DriverKindTorque DriverKind = "torque"
)

// ParseDriverKind validates a driver kind name.
func ParseDriverKind(s string) (DriverKind, error) {
	switch k := DriverKind(s); k {
	case DriverKindLocal, DriverKindLSF, DriverKindSlurm, DriverKindTorque:
		return k, nil
	}
	return "", fmt.Errorf("unknown driver kind %q", s)
}
