// Package store provides key-value storage backends for StudyPipe.
//
// Every backend implements Store: opaque byte values addressed by string keys.
// Higher layers (batch buffers, onboarding progress) serialize their own
// values on top of it with GetJSON and SetJSON.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the persistence contract shared by all backends.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set creates or replaces the value stored under key.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Apply performs ops atomically and in order: either all take effect or none.
	Apply(ops ...Op) error
	// Close releases the backend's resources.
	Close() error
}

// Op is one write of an atomic Apply.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// SetOp stores value under key.
func SetOp(key string, value []byte) Op { return Op{Key: key, Value: value} }

// DeleteOp removes key.
func DeleteOp(key string) Op { return Op{Key: key, Delete: true} }

// Opts holds configuration for opening a store.
type Opts struct {
	DSN    string
	Driver string // "sqlite", "postgres" or "pebble"
}

// Option configures how a store is opened.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypeSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypePostgres
	}
}

// WithPebbleDir selects the Pebble backend rooted at dir.
func WithPebbleDir(dir string) Option {
	return func(o *Opts) {
		o.DSN = dir
		o.Driver = DSNTypePebble
	}
}

// DSN type identifiers returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypePebble   = "pebble"
)

// PebbleDSNPrefix marks a DSN that points at a Pebble data directory.
const PebbleDSNPrefix = "pebble://"

// DetectDSNType classifies a DSN by its shape.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return DSNTypePostgres
	case strings.HasPrefix(dsn, PebbleDSNPrefix):
		return DSNTypePebble
	default:
		return DSNTypeSQLite
	}
}

// Open returns the backend selected by opts, or an in-memory store when no
// backend option is given.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Driver {
	case DSNTypePostgres:
		slog.Debug("store.Open: using PostgreSQL backend")
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		slog.Debug("store.Open: using SQLite backend", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	case DSNTypePebble:
		slog.Debug("store.Open: using Pebble backend", "dir", cfg.DSN)
		return NewPebbleStore(opts...)
	default:
		slog.Debug("store.Open: no backend configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
}

// InMemoryStore is a map-backed Store. Values do not survive a restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemoryStore) Apply(ops ...Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(s.entries, op.Key)
			continue
		}
		s.entries[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

// Len reports the number of stored keys (for tests).
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryStore) Close() error { return nil }
