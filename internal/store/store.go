// Package store is the Postgres persistence layer: sequences, recipients,
// enrollments, senders, warmup counters, the append-only event log and
// webhook dedupe.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version guard fails or a
	// uniqueness rule blocks a write.
	ErrConflict = errors.New("conflict")
)

// Store wraps the database handle. All methods take a context and return
// explicit errors; callers compare against the sentinels with errors.Is.
type Store struct {
	db *sql.DB
}

// New wraps an existing handle, mainly for tests.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for advisory locks and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}
