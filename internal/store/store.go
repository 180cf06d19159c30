// Package store provides the process-wide durable key/value store shared by the
// client components. Values are opaque bytes persisted in SQLite through GORM;
// every write is a full replace of the value for its key, and changes are
// published to subscribers of that key.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxKeyLength = 190

var (
	// ErrInvalidKey indicates an empty or oversized key.
	ErrInvalidKey = errors.New("store: invalid key")

	errMissingDatabase = errors.New("store: database handle is required")
)

// Entry is the persisted row for one key.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:entry_value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "client_store_entries"
}

// Change describes a committed write to a key.
type Change struct {
	Key       string
	Value     []byte
	Deleted   bool
	Timestamp time.Time
}

// Config describes the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is safe for concurrent use. Read-modify-write cycles through Update are
// mutually exclusive across the whole store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	writeMu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]map[int64]chan Change
	nextID      int64
	bufferSize  int
}

// New constructs a Store over an already migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		subscribers: make(map[string]map[int64]chan Change),
		bufferSize:  16,
	}, nil
}

// Get returns the stored bytes for key and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

// Set replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte, bool) ([]byte, bool, error) {
		return value, true, nil
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, key, func([]byte, bool) ([]byte, bool, error) {
		return nil, false, nil
	})
}

// UpdateFunc receives the current value and returns the next one. Returning
// keep=false deletes the key.
type UpdateFunc func(current []byte, exists bool) (next []byte, keep bool, err error)

// Update performs a read-modify-write of key inside a transaction while holding
// the store write lock.
func (s *Store) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var change Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		exists := true
		err := tx.Where("entry_key = ?", key).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			exists = false
		} else if err != nil {
			return err
		}

		next, keep, err := fn(existing.Value, exists)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		if !keep {
			if !exists {
				return nil
			}
			if err := tx.Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
				return err
			}
			change = Change{Key: key, Deleted: true, Timestamp: now}
			return nil
		}

		entry := Entry{Key: key, Value: next, UpdatedAtSeconds: now.Unix()}
		if err := tx.Save(&entry).Error; err != nil {
			return err
		}
		change = Change{Key: key, Value: next, Timestamp: now}
		return nil
	})
	if err != nil {
		s.logger.Error("store update failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("store: update %s: %w", key, err)
	}
	if change.Key != "" {
		s.publish(change)
	}
	return nil
}

// Subscribe streams committed changes to key until ctx ends or the returned
// cleanup runs. Slow subscribers miss changes rather than block writers.
func (s *Store) Subscribe(ctx context.Context, key string) (<-chan Change, func()) {
	if validateKey(key) != nil {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}

	stream := make(chan Change, s.bufferSize)
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	if _, ok := s.subscribers[key]; !ok {
		s.subscribers[key] = make(map[int64]chan Change)
	}
	s.subscribers[key][id] = stream
	s.subMu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.subMu.Lock()
			subscribers := s.subscribers[key]
			if subscribers != nil {
				delete(subscribers, id)
				if len(subscribers) == 0 {
					delete(s.subscribers, key)
				}
			}
			s.subMu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (s *Store) publish(change Change) {
	s.subMu.RLock()
	subscribers := s.subscribers[change.Key]
	copies := make([]chan Change, 0, len(subscribers))
	for _, stream := range subscribers {
		copies = append(copies, stream)
	}
	s.subMu.RUnlock()

	for _, stream := range copies {
		select {
		case stream <- change:
		default:
			s.logger.Debug("store subscriber lagging", zap.String("key", change.Key))
		}
	}
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}
