// Package postgres is the primary durable tier.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"memberboard/internal/community"
	"memberboard/internal/tiered"
)

// Name is reported by every store in this package.
const Name = "postgres"

// Open prepares a connection pool for dsn. It does not connect, so a
// server can start while the database is down.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
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
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		rejected BOOLEAN NOT NULL DEFAULT FALSE,
		rejection_date TIMESTAMPTZ,
		submitted_at TIMESTAMPTZ NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		social JSONB,
		stats JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS codes (
		code TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TIMESTAMPTZ,
		used_by TEXT NOT NULL DEFAULT '',
		last_updated TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the members and codes tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

var (
	_ tiered.Store[community.Member] = (*MemberStore)(nil)
	_ tiered.Store[community.Code]   = (*CodeStore)(nil)
)
