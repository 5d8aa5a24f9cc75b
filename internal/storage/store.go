package storage

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned by Get for a key that is not stored.
var ErrKeyNotFound = errors.New("storage: key not found")

// Store is the raw record storage of one shard. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns ErrKeyNotFound for a missing key.
	Get(key string) ([]byte, error)
	// Put replaces any previous value.
	Put(key string, value []byte) error
	// Delete is a no-op for a missing key.
	Delete(key string) error
	// Scan calls fn for every key with the given prefix, in key order,
	// stopping at the first error fn returns.
	Scan(prefix string, fn func(key string, value []byte) error) error
	Stats() StoreStats
}

// StoreStats summarizes a store.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"` // sum of value sizes
}

// MemoryStore keeps every value in a map.
type MemoryStore struct {
	data  map[string][]byte
	bytes int
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	value = slices.Clone(value)

	m.mu.Lock()
	m.bytes += len(value) - len(m.data[key])
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	m.bytes -= len(m.data[key])
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Scan visits the entries that matched when it was called. The lock is not
// held while fn runs, so fn may write to the store.
func (m *MemoryStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	keys := maps.Keys(m.data)
	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasPrefix(k, prefix) })
	values := make([][]byte, len(keys))
	slices.Sort(keys)
	for i, k := range keys {
		values[i] = m.data[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, slices.Clone(values[i])); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the number of keys and stored bytes.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.data), Bytes: m.bytes}
}
