package kv

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. When Capacity is positive, writes that
// would push the total footprint past it fail with ErrQuotaExceeded.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	used     int64
	capacity int64
}

// NewMemoryStore creates a MemoryStore. capacity <= 0 means unlimited.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]string),
		capacity: capacity,
	}
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key.
func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used + Size(key, value)
	if old, ok := m.data[key]; ok {
		next -= Size(key, old)
	}
	if m.capacity > 0 && next > m.capacity {
		return ErrQuotaExceeded
	}

	m.data[key] = value
	m.used = next
	return nil
}

// Remove deletes key if present.
func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.data[key]; ok {
		m.used -= Size(key, old)
		delete(m.data, key)
	}
	return nil
}

// Keys returns all keys in sorted order.
func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the current footprint.
func (m *MemoryStore) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Capacity returns the configured capacity (0 when unlimited).
func (m *MemoryStore) Capacity() int64 {
	return m.capacity
}
