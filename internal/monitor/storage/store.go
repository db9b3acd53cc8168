// internal/monitor/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	terrors "tabasco/internal/errors"
	"tabasco/internal/monitor"
	"tabasco/internal/storage"
)

const pathIndexPrefix = "monitor-path:"

// Store handles all monitor storage operations
type Store struct {
	store *storage.BadgerStore
	db    *badger.DB
}

// NewStore creates a new monitor store
func NewStore(db *badger.DB) *Store {
	return &Store{
		store: storage.NewBadgerStore(db, "monitor"),
		db:    db,
	}
}

// monitorEntity wraps monitor.Monitor to implement storage.Entity
type monitorEntity struct {
	*monitor.Monitor
}

func (m *monitorEntity) GetID() string {
	return m.ID
}

// validate checks if a monitor has all required fields
func validate(m *monitor.Monitor) error {
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}
	if m.Frequency < 0 {
		return fmt.Errorf("frequency cannot be negative")
	}
	return nil
}

// Create stores a new monitor, indexed by its path.
func (s *Store) Create(m *monitor.Monitor) error {
	if err := validate(m); err != nil {
		return fmt.Errorf("invalid monitor: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	return storage.Update(context.Background(), s.db, func(txn *badger.Txn) error {
		key := []byte(pathIndexPrefix + m.Path)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("monitor already exists for %s", m.Path)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := s.store.CreateTxn(txn, &monitorEntity{Monitor: m}); err != nil {
			return err
		}
		return txn.Set(key, []byte(m.ID))
	})
}

// Get retrieves a monitor by ID
func (s *Store) Get(id string) (*monitor.Monitor, error) {
	entity := monitorEntity{Monitor: &monitor.Monitor{}}
	if err := s.store.Get(id, &entity); err != nil {
		return nil, fmt.Errorf("getting monitor: %w", err)
	}
	return entity.Monitor, nil
}

// GetByPath returns NOT_MONITORED when no monitor was ever created for
// path.
func (s *Store) GetByPath(path string) (*monitor.Monitor, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(pathIndexPrefix + path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return terrors.NotMonitored(path)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		id = string(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Update modifies an existing monitor. The path is immutable.
func (s *Store) Update(m *monitor.Monitor) error {
	if err := validate(m); err != nil {
		return fmt.Errorf("invalid monitor: %w", err)
	}

	m.UpdatedAt = time.Now()
	return s.store.Update(&monitorEntity{Monitor: m})
}

// List returns all monitors ordered by path.
func (s *Store) List() ([]*monitor.Monitor, error) {
	var entities []monitorEntity
	if err := s.store.List(&entities); err != nil {
		return nil, fmt.Errorf("listing monitors: %w", err)
	}

	monitors := make([]*monitor.Monitor, len(entities))
	for i, entity := range entities {
		monitors[i] = entity.Monitor
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].Path < monitors[j].Path })
	return monitors, nil
}

// Enabled returns the monitors whose timers should run.
func (s *Store) Enabled() ([]*monitor.Monitor, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	var enabled []*monitor.Monitor
	for _, m := range all {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	return enabled, nil
}

var _ monitor.Box = (*Store)(nil)
