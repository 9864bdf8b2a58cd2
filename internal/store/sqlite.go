// Package store provides key-value storage backends for StudyPipe.
//
// This file implements an SQLite-backed key-value store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query key %s: %w", key, err)
	}
	return value, nil
}

const (
	sqliteUpsert = `
		INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	sqliteDelete = `DELETE FROM kv_entries WHERE key = ?`
)

func (s *SQLiteStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(sqliteUpsert, key, value, time.Now())
	if err != nil {
		slog.Error("SQLiteStore Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to upsert key %s: %w", key, err)
	}
	slog.Debug("SQLiteStore Set succeeded", "key", key, "bytes", len(value))
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(sqliteDelete, key); err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	slog.Debug("SQLiteStore Delete succeeded", "key", key)
	return nil
}

// Apply runs ops in one transaction.
func (s *SQLiteStore) Apply(ops ...Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, op := range ops {
		if op.Delete {
			_, err = tx.Exec(sqliteDelete, op.Key)
		} else {
			_, err = tx.Exec(sqliteUpsert, op.Key, op.Value, now)
		}
		if err != nil {
			slog.Error("SQLiteStore Apply failed", "error", err, "key", op.Key)
			return fmt.Errorf("failed to apply write to %s: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore Apply commit failed", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	slog.Debug("SQLiteStore Apply succeeded", "ops", len(ops))
	return nil
}

// Clear deletes every entry (for tests).
func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec("DELETE FROM kv_entries")
	if err != nil {
		slog.Error("SQLiteStore Clear failed", "error", err)
	}
	return err
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
