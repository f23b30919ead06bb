package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"memberboard/internal/community"
	"memberboard/internal/storage"
	"memberboard/internal/tiered"
)

const codeColumns = `code, created_at, expires_at, used, used_at, used_by, last_updated`

// CodeStore keeps invitation codes in the local codes table.
type CodeStore struct {
	db *sql.DB
}

func NewCodeStore(db *sql.DB) *CodeStore {
	return &CodeStore{db: db}
}

func (s *CodeStore) Name() string { return Name }

func (s *CodeStore) List(ctx context.Context) ([]community.Code, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+codeColumns+` FROM codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	defer rows.Close()

	var out []community.Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	return out, nil
}

func (s *CodeStore) Get(ctx context.Context, code string) (community.Code, error) {
	c, err := scanCode(s.db.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM codes WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return community.Code{}, fmt.Errorf("%w: code %q", tiered.ErrNotFound, code)
	}
	return c, err
}

func (s *CodeStore) Put(ctx context.Context, c community.Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codes (`+codeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			used = excluded.used,
			used_at = excluded.used_at,
			used_by = excluded.used_by,
			last_updated = excluded.last_updated
	`, c.Code, storage.Micros(c.CreatedAt), storage.Micros(c.ExpiresAt), c.Used,
		storage.NullMicros(c.UsedAt), c.UsedBy, storage.Micros(c.LastUpdated))
	if err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

func (s *CodeStore) Delete(ctx context.Context, code string) error {
	return deleteRow(ctx, s.db, `DELETE FROM codes WHERE code = ?`, code, "code")
}

func (s *CodeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanCode(row scanner) (community.Code, error) {
	var (
		c                             community.Code
		created, expires, lastUpdated int64
		usedAt                        sql.NullInt64
	)
	err := row.Scan(&c.Code, &created, &expires, &c.Used, &usedAt, &c.UsedBy, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return community.Code{}, err
	}
	if err != nil {
		return community.Code{}, fmt.Errorf("scan code: %w", err)
	}
	c.CreatedAt = storage.FromMicros(created)
	c.ExpiresAt = storage.FromMicros(expires)
	c.UsedAt = storage.FromNullMicros(usedAt)
	c.LastUpdated = storage.FromMicros(lastUpdated)
	return c, nil
}
