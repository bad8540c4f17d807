package ingest

import (
	"context"
	"sync"
)

// MemStateStore is an in-memory StateStore for tests and ephemeral runs.
type MemStateStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	threads map[string][]string
}

// NewMemStateStore creates an empty in-memory state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{
		states:  make(map[string][]byte),
		threads: make(map[string][]string),
	}
}

func (m *MemStateStore) GetState(_ context.Context, sourceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[sourceID], nil
}

func (m *MemStateStore) PutState(_ context.Context, sourceID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sourceID] = state
	return nil
}

func (m *MemStateStore) Threads(_ context.Context, sourceID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threads := m.threads[sourceID]
	if len(threads) > limit {
		threads = threads[len(threads)-limit:]
	}
	out := make([]string, len(threads))
	copy(out, threads)
	return out, nil
}

func (m *MemStateStore) RecordThread(_ context.Context, sourceID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.threads[sourceID] {
		if existing == threadID {
			return nil
		}
	}
	m.threads[sourceID] = append(m.threads[sourceID], threadID)
	return nil
}
