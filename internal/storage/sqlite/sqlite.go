// Package sqlite is the local durable fallback tier. The same database file
// hosts the outbox journal.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"memberboard/internal/community"
	"memberboard/internal/tiered"
)

// Name is reported by every store in this package.
const Name = "sqlite"

var (
	_ tiered.Store[community.Member] = (*MemberStore)(nil)
	_ tiered.Store[community.Code]   = (*CodeStore)(nil)
)

// Open opens the database file at path, creating its directory if needed.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		description TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		banner TEXT NOT NULL DEFAULT '',
		approved INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		rejection_date INTEGER,
		submitted_at INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		social TEXT,
		stats TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS codes (
		code TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at INTEGER,
		used_by TEXT NOT NULL DEFAULT '',
		last_updated INTEGER NOT NULL
	)`,
}

// Migrate creates the members and codes tables. Times are stored as unix
// microseconds.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func deleteRow(ctx context.Context, db *sql.DB, query, key, what string) error {
	res, err := db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", tiered.ErrNotFound, what, key)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
