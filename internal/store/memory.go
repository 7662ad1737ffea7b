package store

import (
	"context"
	"sync"

	"github.com/roach88/twin/internal/value"
)

// Memory is a process-local KV. Values are cloned on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]value.Value
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]value.Value)}
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (value.Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return value.Clone(v), true, nil
}

// Set stores v under key.
func (m *Memory) Set(_ context.Context, key string, v value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = value.Clone(v)
	return nil
}

// GetAll returns a copy of every entry.
func (m *Memory) GetAll(_ context.Context) (map[string]value.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]value.Value, len(m.entries))
	for k, v := range m.entries {
		out[k] = value.Clone(v)
	}
	return out, nil
}
