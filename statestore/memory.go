package statestore

import (
	"context"
	"sync"

	"github.com/coinpulse/newswire/errors"
)

// Memory is an in-process Store used by tests. It honors the same
// conditional-write contract as the JetStream implementation, including
// per-key monotonic revisions.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextRev uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

// Get returns the current entry for key.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp, nil
}

// Set writes value unconditionally.
func (m *Memory) Set(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, value), nil
}

// SetIfAbsent writes value only when key does not exist.
func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, errors.ErrKeyExists
	}
	return m.put(key, value), nil
}

// CompareAndSwap replaces the value only at the expected revision.
func (m *Memory) CompareAndSwap(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Revision != revision {
		return 0, errors.ErrRevisionMismatch
	}
	return m.put(key, value), nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return errors.ErrKeyNotFound
	}
	delete(m.entries, key)
	return nil
}

// DeleteRevision removes key only at the expected revision.
func (m *Memory) DeleteRevision(_ context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return errors.ErrKeyNotFound
	}
	if e.Revision != revision {
		return errors.ErrRevisionMismatch
	}
	delete(m.entries, key)
	return nil
}

// Len reports how many keys are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) put(key string, value []byte) uint64 {
	m.nextRev++
	m.entries[key] = &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.nextRev,
	}
	return m.nextRev
}
