package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore implements StateStore in memory. It backs tests and
// single-shot tooling; production deployments use SQLiteStore.
type MemoryStore struct {
	mu      sync.Mutex
	version int64
	data    map[string]json.RawMessage
	events  []Event
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]json.RawMessage),
		nextID: 1,
	}
}

// ReadState returns a copy of the current state.
func (m *MemoryStore) ReadState(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		data[k] = cp
	}
	return State{Version: m.version, Data: data}, nil
}

// WriteState merges patch and bumps the version.
func (m *MemoryStore) WriteState(ctx context.Context, patch map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range patch {
		if v == nil {
			delete(m.data, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return 0, err
		}
		m.data[k] = raw
	}
	m.version++
	return m.version, nil
}

// AppendEvent appends one record to the event log.
func (m *MemoryStore) AppendEvent(ctx context.Context, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		ID:   m.nextID,
		Kind: kind,
		Data: raw,
		At:   time.Now().UTC(),
	})
	m.nextID++
	return nil
}

// ListEvents returns up to limit most recent events, newest last.
func (m *MemoryStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]Event, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out, nil
}
