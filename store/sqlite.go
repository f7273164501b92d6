package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stateRow is the single versioned state document.
type stateRow struct {
	ID      uint `gorm:"primaryKey"`
	Version int64
	Data    []byte
}

func (stateRow) TableName() string { return "state" }

// eventRow is one append-only log record.
type eventRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Kind      string
	Data      []byte
	CreatedAt time.Time
}

func (eventRow) TableName() string { return "events" }

// SQLiteStore implements StateStore on a single sqlite file. A process
// owns its store exclusively; the mutex serializes the read-modify-write
// in WriteState on top of the transaction.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenSQLite opens (or creates) the store at path. ":memory:" gives an
// ephemeral store for tests.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	if err := db.AutoMigrate(&stateRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: log.With(zap.String("component", "store")),
	}

	// Seed the singleton state row so reads never special-case absence.
	var count int64
	db.Model(&stateRow{}).Count(&count)
	if count == 0 {
		empty, _ := json.Marshal(map[string]json.RawMessage{})
		if err := db.Create(&stateRow{ID: 1, Version: 0, Data: empty}).Error; err != nil {
			return nil, fmt.Errorf("failed to seed state store: %w", err)
		}
	}

	s.logger.Info("state store opened", zap.String("path", path))
	return s, nil
}

// ReadState returns the current state snapshot.
func (s *SQLiteStore) ReadState(ctx context.Context) (State, error) {
	var row stateRow
	if err := s.db.WithContext(ctx).First(&row, 1).Error; err != nil {
		return State{}, fmt.Errorf("failed to read state: %w", err)
	}

	data := map[string]json.RawMessage{}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &data); err != nil {
			return State{}, fmt.Errorf("corrupt state document: %w", err)
		}
	}
	return State{Version: row.Version, Data: data}, nil
}

// WriteState merges patch into the state document and bumps the version.
func (s *SQLiteStore) WriteState(ctx context.Context, patch map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row stateRow
		if err := tx.First(&row, 1).Error; err != nil {
			return err
		}

		data := map[string]json.RawMessage{}
		if len(row.Data) > 0 {
			if err := json.Unmarshal(row.Data, &data); err != nil {
				return fmt.Errorf("corrupt state document: %w", err)
			}
		}

		for k, v := range patch {
			if v == nil {
				delete(data, k)
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("unmarshalable patch value for %q: %w", k, err)
			}
			data[k] = raw
		}

		merged, err := json.Marshal(data)
		if err != nil {
			return err
		}

		row.Version++
		row.Data = merged
		version = row.Version
		return tx.Save(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write state: %w", err)
	}
	return version, nil
}

// AppendEvent appends one record to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("unmarshalable event data: %w", err)
	}
	row := eventRow{Kind: kind, Data: raw, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit most recent events, newest last.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]Event, len(rows))
	for i, r := range rows {
		// Reverse so the caller sees chronological order.
		out[len(rows)-1-i] = Event{
			ID:   r.ID,
			Kind: r.Kind,
			Data: json.RawMessage(r.Data),
			At:   r.CreatedAt,
		}
	}
	return out, nil
}
