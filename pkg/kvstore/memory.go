package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, tenantID, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[tenantID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.values[tenantID]
	if !ok {
		ns = make(map[string]string)
		m.values[tenantID] = ns
	}
	ns[key] = value
	return nil
}

// Delete removes a key. Missing keys are ignored.
func (m *MemoryStore) Delete(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[tenantID], key)
	return nil
}
