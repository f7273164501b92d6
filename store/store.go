// Package store provides the persistent state backing for the
// orchestrator: a single versioned JSON state document plus an
// append-only event log. Kernel registrations, content-policy rules, and
// the federated global model all live here; everything else in the core
// is in-memory and eventually consistent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a state key has no value.
var ErrNotFound = errors.New("state key not found")

// State is a snapshot of the versioned state document.
type State struct {
	Version int64                      `json:"version"`
	Data    map[string]json.RawMessage `json:"data"`
}

// Event is one record in the append-only log.
type Event struct {
	ID   int64           `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// StateStore is the persistence contract the core depends on. The
// read-modify-write in WriteState must be atomic; implementations
// serialize concurrent writers.
type StateStore interface {
	// ReadState returns the current state snapshot.
	ReadState(ctx context.Context) (State, error)

	// WriteState merges patch into the state document (key-level merge,
	// nil values delete) and bumps the version. Returns the new version.
	WriteState(ctx context.Context, patch map[string]any) (int64, error)

	// AppendEvent appends one record to the event log.
	AppendEvent(ctx context.Context, kind string, data any) error

	// ListEvents returns up to limit most recent events, newest last.
	ListEvents(ctx context.Context, limit int) ([]Event, error)
}

// GetKey unmarshals one state key into dst. Returns ErrNotFound when the
// key is absent.
func GetKey(ctx context.Context, s StateStore, key string, dst any) error {
	st, err := s.ReadState(ctx)
	if err != nil {
		return err
	}
	raw, ok := st.Data[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

// SetKey writes one state key.
func SetKey(ctx context.Context, s StateStore, key string, value any) error {
	_, err := s.WriteState(ctx, map[string]any{key: value})
	return err
}
