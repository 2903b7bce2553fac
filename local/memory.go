package local

import (
	"context"
	"sync"
)

// MemoryStore keeps values in a map. It does not survive restarts and is used by tests and the
// daemon's in-memory mode.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	used   int
	// Quota is the maximum total size of all values in bytes. 0 means unlimited.
	Quota int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	newUsed := m.used - len(m.values[key]) + len(value)
	if m.Quota > 0 && newUsed > m.Quota {
		return ErrQuotaExceeded
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	m.used = newUsed
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= len(m.values[key])
	delete(m.values, key)
	return nil
}

// Len returns the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
