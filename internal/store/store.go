// Package store provides the durable key-value store the client persists
// session and presence state to. Values are namespaced by session id so one
// store can back many sessions.
package store

import "sync"

// Store is a namespaced key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key within namespace; ok is false when the
	// key is absent.
	Get(namespace, key string) (value []byte, ok bool, err error)
	// Set writes the value for key within namespace, replacing any previous
	// value.
	Set(namespace, key string, value []byte) error
	// Delete removes the key from the namespace. Deleting an absent key is
	// not an error.
	Delete(namespace, key string) error
	// Close releases any resources held by the store.
	Close() error
}

// Memory is an in-process Store used for tests and ephemeral embedding.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	value, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set implements Store.
func (m *Memory) Set(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
