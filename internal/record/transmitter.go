package record

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var slotPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+(/[A-Za-z0-9_.-]+)*$`)

// Transmitter is bound to one named slot. Transmit is write-once: a second
// call with identical content is a no-op, different content fails with
// *AlreadyTransmittedError. Load fails with *NotTransmittedError until a
// value exists.
type Transmitter interface {
	Slot() string
	Transmit(ctx context.Context, r Record) error
	Load(ctx context.Context) (Record, error)
	IsTransmitted(ctx context.Context) (bool, error)
}

// stored is a record at rest.
type stored struct {
	typ    Type
	data   []byte
	digest string
}

// storage is the per-backend persistence used by slotTransmitter.
type storage interface {
	get(ctx context.Context, slot string) (stored, bool, error)
	// putIfAbsent stores v unless the slot is taken, in which case the
	// existing value is returned with inserted=false.
	putIfAbsent(ctx context.Context, slot string, v stored) (existing stored, inserted bool, err error)
}

type slotTransmitter struct {
	slot  string
	store storage
}

// ValidateSlot checks a slot name: one or more path segments of
// letters, digits, '_', '.' and '-', separated by '/'.
func ValidateSlot(slot string) error {
	if !slotPattern.MatchString(slot) {
		return &ValidationError{Slot: slot, Reason: "invalid slot name"}
	}
	for _, seg := range strings.Split(slot, "/") {
		if seg == "." || seg == ".." {
			return &ValidationError{Slot: slot, Reason: "slot segments must not be . or .."}
		}
	}
	return nil
}

func newSlotTransmitter(slot string, s storage) (*slotTransmitter, error) {
	if err := ValidateSlot(slot); err != nil {
		return nil, err
	}
	return &slotTransmitter{slot: slot, store: s}, nil
}

func (t *slotTransmitter) Slot() string { return t.slot }

func (t *slotTransmitter) Transmit(ctx context.Context, r Record) error {
	if r == nil {
		return &ValidationError{Slot: t.slot, Reason: "nil record"}
	}
	data, err := r.Encode()
	if err != nil {
		return &ValidationError{Slot: t.slot, Reason: err.Error()}
	}
	if data == nil {
		data = []byte{}
	}
	v := stored{typ: r.Type(), data: data, digest: digest(r.Type(), data)}

	existing, inserted, err := t.store.putIfAbsent(ctx, t.slot, v)
	if err != nil {
		return err
	}
	if !inserted && existing.digest != v.digest {
		return &AlreadyTransmittedError{Slot: t.slot}
	}
	return nil
}

func (t *slotTransmitter) Load(ctx context.Context) (Record, error) {
	v, ok, err := t.store.get(ctx, t.slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotTransmittedError{Slot: t.slot}
	}
	return Decode(v.typ, v.data)
}

func (t *slotTransmitter) IsTransmitted(ctx context.Context) (bool, error) {
	_, ok, err := t.store.get(ctx, t.slot)
	return ok, err
}

// LoadWhenReady polls t every interval until a value has been transmitted
// or ctx is done.
func LoadWhenReady(ctx context.Context, t Transmitter, interval time.Duration) (Record, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := t.Load(ctx)
		if err == nil || !errors.Is(err, ErrNotTransmitted) {
			return r, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
