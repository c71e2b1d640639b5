package record

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/ensrun/internal/config"
)

// Backend hands out transmitters bound to slots of one store.
type Backend interface {
	Name() string
	Transmitter(slot string) (Transmitter, error)
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.RecordConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return &memoryBackend{store: NewMemoryStore()}, nil
	case "shared-disk":
		store, err := NewSharedDiskStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &diskBackend{store: store}, nil
	case "sqlite":
		store, err := NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return &sqliteBackend{store: store}, nil
	}
	return nil, fmt.Errorf("unknown record backend %q", cfg.Backend)
}

type memoryBackend struct{ store *MemoryStore }

func (b *memoryBackend) Name() string { return "memory" }
func (b *memoryBackend) Transmitter(slot string) (Transmitter, error) {
	return NewInMemoryTransmitter(slot, b.store)
}
func (b *memoryBackend) Close() error { return nil }

type diskBackend struct{ store *SharedDiskStore }

func (b *diskBackend) Name() string { return "shared-disk" }
func (b *diskBackend) Transmitter(slot string) (Transmitter, error) {
	return NewSharedDiskTransmitter(slot, b.store)
}
func (b *diskBackend) Close() error { return nil }

type sqliteBackend struct{ store *SQLiteStore }

func (b *sqliteBackend) Name() string { return "sqlite" }
func (b *sqliteBackend) Transmitter(slot string) (Transmitter, error) {
	return NewSQLiteTransmitter(slot, b.store)
}
func (b *sqliteBackend) Close() error { return b.store.Close() }
