package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, path string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(body))
	copy(cp, body)
	m.docs[path] = cp
	return nil
}

// Update holds the store lock across the mutation, so CAS never conflicts in
// the memory backend.
func (m *MemoryStore) Update(ctx context.Context, path string, fn Mutate) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if body, ok := m.docs[path]; ok {
		current = make([]byte, len(body))
		copy(current, body)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(m.docs, path)
		return nil, nil
	}

	cp := make([]byte, len(next))
	copy(cp, next)
	m.docs[path] = cp
	return next, nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, path)
	return nil
}
