package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It is the default when no database is
// configured; state does not survive a restart.
type MemStore struct {
	mu          sync.RWMutex
	histories   map[string][]Message
	suspensions map[string]Suspension
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		histories:   make(map[string][]Message),
		suspensions: make(map[string]Suspension),
	}
}

var _ Store = (*MemStore)(nil)

// History implements Store.
func (m *MemStore) History(_ context.Context, threadID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.histories[threadID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Append implements Store.
func (m *MemStore) Append(_ context.Context, threadID string, msgs ...Message) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		m.histories[threadID] = append(m.histories[threadID], msg)
	}
	return nil
}

// Suspension implements Store.
func (m *MemStore) Suspension(_ context.Context, threadID string) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suspensions[threadID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// SetSuspension implements Store.
func (m *MemStore) SetSuspension(_ context.Context, threadID string, s Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspensions[threadID] = s
	return nil
}

// ClearSuspension implements Store.
func (m *MemStore) ClearSuspension(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspensions, threadID)
	return nil
}
