// Package store provides key-value storage backends for StudyPipe.
//
// This file implements a PostgreSQL-backed key-value store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query key %s: %w", key, err)
	}
	return value, nil
}

const (
	postgresUpsert = `
		INSERT INTO kv_entries (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	postgresDelete = `DELETE FROM kv_entries WHERE key = $1`
)

func (s *PostgresStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(postgresUpsert, key, value)
	if err != nil {
		slog.Error("PostgresStore Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to upsert key %s: %w", key, err)
	}
	slog.Debug("PostgresStore Set succeeded", "key", key, "bytes", len(value))
	return nil
}

func (s *PostgresStore) Delete(key string) error {
	if _, err := s.db.Exec(postgresDelete, key); err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	slog.Debug("PostgresStore Delete succeeded", "key", key)
	return nil
}

// Apply runs ops in one transaction.
func (s *PostgresStore) Apply(ops ...Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Delete {
			_, err = tx.Exec(postgresDelete, op.Key)
		} else {
			_, err = tx.Exec(postgresUpsert, op.Key, op.Value)
		}
		if err != nil {
			slog.Error("PostgresStore Apply failed", "error", err, "key", op.Key)
			return fmt.Errorf("failed to apply write to %s: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore Apply commit failed", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	slog.Debug("PostgresStore Apply succeeded", "ops", len(ops))
	return nil
}

// Clear deletes every entry (for tests).
func (s *PostgresStore) Clear() error {
	_, err := s.db.Exec("DELETE FROM kv_entries")
	if err != nil {
		slog.Error("PostgresStore Clear failed", "error", err)
	}
	return err
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
