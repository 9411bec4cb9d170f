// Package store is the embedded relational persistence layer (C1): schema
// migrations, a single-writer sqlite connection, scoped transactions, and
// idempotent upserts keyed by each entity's natural unique constraint.
//
// Grounded on the teacher's services/indexer storage (database/sql +
// INSERT ... ON CONFLICT DO UPDATE) and internal/platform/database.Open
// (dial, ping, wrap in a typed error), generalized from Postgres to an
// embedded sqlite file as the specification requires.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"math/rand"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/internal/store/migrations"
)

// Store is the process-wide singleton persistence handle. It wraps a single
// *sqlx.DB opened against one sqlite file; sqlite itself serializes writers,
// so no additional application-level write mutex is required, but busy
// contention is retried per Open's connection settings.
type Store struct {
	db  *sqlx.DB
	log *logrus.Entry
}

// Open opens (creating if absent) the sqlite file at path, applies pending
// migrations, and verifies connectivity. The returned Store must be closed
// by the caller. WAL journaling and foreign keys are enabled per §4.1.
func Open(ctx context.Context, path string, log *logrus.Entry) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; sqlite serializes regardless, this avoids busy storms
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	if err := applyMigrations(db.DB, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	s := &Store{db: db, log: log.WithField("component", "store")}
	return s, nil
}

func applyMigrations(db *sql.DB, path string) error {
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(sourceFS(migrations.FS), ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration runner: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// sourceFS exists only to keep the embed.FS import boundary explicit for
// readers auditing what migrations ships under version control.
func sourceFS(f embed.FS) fs.FS { return f }

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for callers (JobStore, provider cache)
// that need direct query access outside the Upsert/WithTx surface.
func (s *Store) DB() *sqlx.DB { return s.db }

// WithTx runs fn inside a single serialized transaction. On error from fn,
// or on panic, the transaction is rolled back and no partial state becomes
// visible; panics are re-raised after rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, txErr := s.beginWithRetry(ctx)
	if txErr != nil {
		return txErr
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// beginWithRetry retries SQLITE_BUSY with bounded exponential backoff and
// jitter (each wait is 0.5x to 1.5x the current delay), per §4.1's
// contention-handling requirement.
func (s *Store) beginWithRetry(ctx context.Context) (*sqlx.Tx, error) {
	const maxAttempts = 5
	delay := 20 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, fmt.Errorf("store: begin tx: %w", err)
		}
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("store: begin tx exhausted retries: %w", lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
