package record

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps records in a process-local map. Transmitters sharing
// a store see each other's values.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]stored
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]stored)}
}

// NewInMemoryTransmitter binds slot to store.
func NewInMemoryTransmitter(slot string, store *MemoryStore) (Transmitter, error) {
	return newSlotTransmitter(slot, store)
}

// Slots returns the number of stored records.
func (m *MemoryStore) Slots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

func (m *MemoryStore) get(_ context.Context, slot string) (stored, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.slots[slot]
	return v, ok, nil
}

func (m *MemoryStore) putIfAbsent(_ context.Context, slot string, v stored) (stored, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.slots[slot]; ok {
		return existing, false, nil
	}
	v.data = bytes.Clone(v.data)
	m.slots[slot] = v
	return v, true, nil
}
