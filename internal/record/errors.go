package record

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is.
var (
	ErrNotTransmitted     = errors.New("record not transmitted")
	ErrAlreadyTransmitted = errors.New("record already transmitted")
)

// NotTransmittedError is returned by Load before any value exists.
type NotTransmittedError struct {
	Slot string
}

func (e *NotTransmittedError) Error() string {
	return fmt.Sprintf("slot %q: %v", e.Slot, ErrNotTransmitted)
}

func (e *NotTransmittedError) Is(target error) bool { return target == ErrNotTransmitted }

// AlreadyTransmittedError is returned when a slot is written twice with
// different content.
type AlreadyTransmittedError struct {
	Slot string
}

func (e *AlreadyTransmittedError) Error() string {
	return fmt.Sprintf("slot %q: %v with different content", e.Slot, ErrAlreadyTransmitted)
}

func (e *AlreadyTransmittedError) Is(target error) bool { return target == ErrAlreadyTransmitted }

// ValidationError reports an invalid slot name or record.
type ValidationError struct {
	Slot   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("slot %q: %s", e.Slot, e.Reason)
}
