package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var extensions = map[Type]string{
	TypeBlob:      ".blob",
	TypeNumerical: ".json",
}

// claimExtension marks a taken slot regardless of record type.
const claimExtension = ".claim"

const (
	publishWait = 5 * time.Second
	publishPoll = 10 * time.Millisecond
)

// SharedDiskStore keeps one file per slot under a directory visible to
// every task of the ensemble. Files are published with a hard link so a
// slot is claimed atomically even across hosts.
type SharedDiskStore struct {
	dir string
}

// NewSharedDiskStore creates dir if needed.
func NewSharedDiskStore(dir string) (*SharedDiskStore, error) {
	if dir == "" {
		return nil, errors.New("shared disk store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shared disk store: %w", err)
	}
	return &SharedDiskStore{dir: dir}, nil
}

// NewSharedDiskTransmitter binds slot to a shared directory.
func NewSharedDiskTransmitter(slot string, store *SharedDiskStore) (Transmitter, error) {
	return newSlotTransmitter(slot, store)
}

// Dir returns the store root.
func (s *SharedDiskStore) Dir() string { return s.dir }

func (s *SharedDiskStore) base(slot string) string {
	return filepath.Join(s.dir, filepath.FromSlash(slot))
}

func (s *SharedDiskStore) get(_ context.Context, slot string) (stored, bool, error) {
	for _, t := range []Type{TypeBlob, TypeNumerical} {
		data, err := os.ReadFile(s.base(slot) + extensions[t])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return stored{}, false, fmt.Errorf("shared disk store: read %s: %w", slot, err)
		}
		return stored{typ: t, data: data, digest: digest(t, data)}, true, nil
	}
	return stored{}, false, nil
}

// putIfAbsent claims the slot by hard-linking the payload to
// <slot>.claim, which is the same path for every record type, and only
// the claim winner publishes <slot>.blob or <slot>.json. A loser waits for
// the winner's publish link and returns the published value.
func (s *SharedDiskStore) putIfAbsent(ctx context.Context, slot string, v stored) (stored, bool, error) {
	if existing, ok, err := s.get(ctx, slot); err != nil || ok {
		return existing, false, err
	}

	base := s.base(slot)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return stored{}, false, fmt.Errorf("shared disk store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(base), ".tmp-*")
	if err != nil {
		return stored{}, false, fmt.Errorf("shared disk store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(v.data); err != nil {
		tmp.Close()
		return stored{}, false, fmt.Errorf("shared disk store: write %s: %w", slot, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return stored{}, false, fmt.Errorf("shared disk store: sync %s: %w", slot, err)
	}
	if err := tmp.Close(); err != nil {
		return stored{}, false, fmt.Errorf("shared disk store: %w", err)
	}

	if err := os.Link(tmp.Name(), base+claimExtension); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return s.awaitPublished(ctx, slot)
		}
		return stored{}, false, fmt.Errorf("shared disk store: claim %s: %w", slot, err)
	}
	if err := os.Link(tmp.Name(), base+extensions[v.typ]); err != nil {
		return stored{}, false, fmt.Errorf("shared disk store: publish %s: %w", slot, err)
	}
	return v, true, nil
}

// awaitPublished waits for the claim winner of slot to publish its record.
func (s *SharedDiskStore) awaitPublished(ctx context.Context, slot string) (stored, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()
	ticker := time.NewTicker(publishPoll)
	defer ticker.Stop()
	for {
		existing, ok, err := s.get(ctx, slot)
		if err != nil {
			return stored{}, false, err
		}
		if ok {
			return existing, false, nil
		}
		select {
		case <-ctx.Done():
			return stored{}, false, fmt.Errorf("shared disk store: slot %s claimed but never published: %w", slot, ctx.Err())
		case <-ticker.C:
		}
	}
}
