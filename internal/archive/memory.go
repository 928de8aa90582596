package archive

import (
	"context"
	"sync"
	"time"
)

// defaultLimit caps Transcript results when the caller passes no limit.
const defaultLimit = 1000

// MemoryStore is the process-local [Store] used when no datastore is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.Text == "" {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.entries[entry.SessionID] = append(m.entries[entry.SessionID], entry)
	m.mu.Unlock()
	return nil
}

// Transcript implements [Store].
func (m *MemoryStore) Transcript(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[sessionID]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Close implements [Store].
func (m *MemoryStore) Close() {}
