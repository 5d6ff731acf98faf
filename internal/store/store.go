// Package store provides database access for intentmail.
//
// All entities live in a single SQLite database opened in WAL mode with
// foreign keys enabled. The *sql.DB handle serializes writes; readers are
// never blocked by the single writer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/intentmail/intentmail/internal/mailerr"
)

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// timeFormat is the ISO-8601 UTC form used for every persisted timestamp.
const timeFormat = time.RFC3339

// Store provides database operations for intentmail.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database at the given path and applies any
// pending migrations. Migration checksum mismatches fail loudly.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isSQLiteError checks if err is a sqlite3.Error whose message contains
// substr. Type-asserts the driver error first so unrelated errors that
// merely mention the substring do not match.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return isSQLiteError(err, "UNIQUE constraint failed")
}

// nowUTC returns the current time formatted for storage.
func nowUTC() string {
	return time.Now().UTC().Format(timeFormat)
}

// formatTime renders t for storage; zero times become empty strings.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

// parseTime parses a stored timestamp, returning the zero time on empty
// or malformed input. Malformed values indicate external edits and are
// tolerated on read paths.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Stats holds database statistics.
type Stats struct {
	AccountCount    int64
	EmailCount      int64
	AttachmentCount int64
	RuleCount       int64
	AuditCount      int64
	DatabaseSize    int64
}

// GetStats returns row counts and the on-disk database size.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM accounts", &stats.AccountCount},
		{"SELECT COUNT(*) FROM emails", &stats.EmailCount},
		{"SELECT COUNT(*) FROM attachments", &stats.AttachmentCount},
		{"SELECT COUNT(*) FROM rules", &stats.RuleCount},
		{"SELECT COUNT(*) FROM audit_log", &stats.AuditCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("get stats %q: %w", q.query, err)
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// notFound builds the store's standard missing-row error.
func notFound(entity string, id int64) error {
	return mailerr.NotFound("%s %d not found", entity, id)
}
