// Package store provides key-value storage backends for StudyPipe.
//
// This file implements a Pebble-backed key-value store for deployments that
// keep uploader state on local disk without a SQL engine.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for Pebble writes.
type FsyncMode int

const (
	// FsyncModeInterval waits for a WAL sync on every commit, letting
	// concurrent commits within PebbleSyncInterval share one sync.
	FsyncModeInterval FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed write.
	FsyncModeAlways
	// FsyncModeNever commits without waiting for a WAL sync.
	FsyncModeNever
)

// PebbleSyncInterval is the group-commit window used by FsyncModeInterval.
const PebbleSyncInterval = 5 * time.Millisecond

// PebbleStore wraps a Pebble database instance with an fsync policy.
type PebbleStore struct {
	inner *pebble.DB
	mode  FsyncMode
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a Pebble database in the configured directory.
// The directory may be given with or without the pebble:// prefix.
func NewPebbleStore(opts ...Option) (*PebbleStore, error) {
	return NewPebbleStoreWithMode(FsyncModeInterval, opts...)
}

// NewPebbleStoreWithMode is NewPebbleStore with an explicit fsync policy.
func NewPebbleStoreWithMode(mode FsyncMode, opts ...Option) (*PebbleStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dir := strings.TrimPrefix(cfg.DSN, PebbleDSNPrefix)
	if dir == "" {
		slog.Error("PebbleStore data directory not set")
		return nil, errors.New("pebble: data directory not set")
	}

	po := &pebble.Options{}
	if mode == FsyncModeInterval {
		po.WALMinSyncInterval = func() time.Duration { return PebbleSyncInterval }
	}

	inner, err := pebble.Open(dir, po)
	if err != nil {
		slog.Error("Failed to open Pebble database", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	slog.Debug("Pebble database opened", "dir", dir, "fsync_mode", mode)
	return &PebbleStore{inner: inner, mode: mode}, nil
}

// writeOptions returns the commit options for the store's fsync mode. Only
// FsyncModeNever skips the sync; in interval mode WALMinSyncInterval batches it.
func (s *PebbleStore) writeOptions() *pebble.WriteOptions {
	if s.mode == FsyncModeNever {
		return pebble.NoSync
	}
	return pebble.Sync
}

// Get copies the value for the given key.
func (s *PebbleStore) Get(key string) ([]byte, error) {
	val, closer, err := s.inner.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PebbleStore Get failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Set writes key through a small batch so the fsync policy applies.
func (s *PebbleStore) Set(key string, value []byte) error {
	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(key), value, nil); err != nil {
		return fmt.Errorf("failed to stage key %s: %w", key, err)
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		slog.Error("PebbleStore Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to commit key %s: %w", key, err)
	}
	slog.Debug("PebbleStore Set succeeded", "key", key, "bytes", len(value))
	return nil
}

// Delete removes key through a small batch so the fsync policy applies.
func (s *PebbleStore) Delete(key string) error {
	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("failed to stage delete of %s: %w", key, err)
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		slog.Error("PebbleStore Delete failed", "error", err, "key", key)
		return fmt.Errorf("failed to commit delete of %s: %w", key, err)
	}
	return nil
}

// Apply stages ops into one batch and commits it atomically.
func (s *PebbleStore) Apply(ops ...Op) error {
	b := s.inner.NewBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		if op.Delete {
			err = b.Delete([]byte(op.Key), nil)
		} else {
			err = b.Set([]byte(op.Key), op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to stage write to %s: %w", op.Key, err)
		}
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		slog.Error("PebbleStore Apply failed", "error", err, "ops", len(ops))
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close closes the Pebble database.
func (s *PebbleStore) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	slog.Debug("Closing Pebble database")
	return s.inner.Close()
}
