// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas and schema, and hosts shared helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atriumhq/atrium/internal/secrets"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cipher *secrets.Cipher
	stmts  *stmtCache
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
// The schema is created idempotently and parent directories are created
// if needed. The cipher is required: external connection tokens are never
// written to disk in the clear.
func NewSQLiteStore(path string, cipher *secrets.Cipher) (*SQLiteStore, error) {
	if cipher == nil {
		return nil, fmt.Errorf("opening store: nil token cipher")
	}
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection keeps
	// the pragmas below in effect everywhere and turns writer contention
	// into queueing instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		cipher: cipher,
		stmts:  newStmtCache(db),
		logger: logger,
	}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Close releases cached statements and the database handle.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	s.stmts.closeAll()
	return s.db.Close()
}

// RunInTransaction begins a transaction, invokes fn, commits on success and
// rolls back on error or panic. The rollback-before-repanic guarantee keeps
// a panicking caller from leaking a write lock.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ptrToString returns the dereferenced string or empty string if nil.
func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// formatTime renders a timestamp in the canonical stored form (UTC RFC3339).
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTime returns nil for nil or zero times, otherwise the stored form.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored timestamp, logging rather than failing on
// malformed rows so one bad row cannot poison a whole listing.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "value", s, "error", err)
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
