package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps cooldown state in process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Extend implements Store. Deadlines that have passed are dropped on the way.
func (m *MemoryStore) Extend(ctx context.Context, key string, until, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, s := range m.states {
		if !s.Active(now) {
			delete(m.states, k)
		}
	}
	if cur, ok := m.states[key]; ok && !until.After(cur.Until) {
		return nil
	}
	m.states[key] = State{Until: until, LastUpdate: now}
	return nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.states)
	return nil
}
