// ABOUTME: In-memory Store implementation for running without a database.
// ABOUTME: History lives for the process lifetime only and is lost on restart.

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-lifetime Store backed by a map.
// It is used when no database path is configured, and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Turn),
	}
}

// AppendTurns appends turns to a session. The append is atomic under the
// store's lock, matching the single-logical-operation contract.
func (m *MemoryStore) AppendTurns(ctx context.Context, sessionID string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now().UTC()
		}
		m.sessions[sessionID] = append(m.sessions[sessionID], turn)
	}
	return nil
}

// ListTurns returns a copy of a session's turns in insertion order.
func (m *MemoryStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.sessions[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// ListSessions returns the known session ids in sorted order.
func (m *MemoryStore) ListSessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// DeleteSession removes a session and its turns.
func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
