package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"memberboard/internal/community"
	"memberboard/internal/storage"
	"memberboard/internal/tiered"
)

type codeRow struct {
	Code        string       `db:"code"`
	CreatedAt   time.Time    `db:"created_at"`
	ExpiresAt   time.Time    `db:"expires_at"`
	Used        bool         `db:"used"`
	UsedAt      sql.NullTime `db:"used_at"`
	UsedBy      string       `db:"used_by"`
	LastUpdated time.Time    `db:"last_updated"`
}

const codeColumns = `code, created_at, expires_at, used, used_at, used_by, last_updated`

func toCodeRow(c community.Code) codeRow {
	return codeRow{
		Code:        c.Code,
		CreatedAt:   c.CreatedAt.UTC(),
		ExpiresAt:   c.ExpiresAt.UTC(),
		Used:        c.Used,
		UsedAt:      storage.NullTime(c.UsedAt),
		UsedBy:      c.UsedBy,
		LastUpdated: c.LastUpdated.UTC(),
	}
}

func (r codeRow) code() community.Code {
	return community.Code{
		Code:        r.Code,
		CreatedAt:   r.CreatedAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
		Used:        r.Used,
		UsedAt:      storage.FromNullTime(r.UsedAt),
		UsedBy:      r.UsedBy,
		LastUpdated: r.LastUpdated.UTC(),
	}
}

// CodeStore keeps invitation codes in the codes table.
type CodeStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewCodeStore(db *sqlx.DB) *CodeStore {
	return &CodeStore{db: db, tracer: otel.Tracer("memberboard/storage/postgres")}
}

func (s *CodeStore) Name() string { return Name }

func (s *CodeStore) List(ctx context.Context) ([]community.Code, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.codes.list")
	defer span.End()

	var rows []codeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+codeColumns+` FROM codes ORDER BY code`); err != nil {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	out := make([]community.Code, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.code())
	}
	return out, nil
}

func (s *CodeStore) Get(ctx context.Context, code string) (community.Code, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.codes.get", trace.WithAttributes(attribute.String("code", code)))
	defer span.End()

	var r codeRow
	err := s.db.GetContext(ctx, &r, `SELECT `+codeColumns+` FROM codes WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return community.Code{}, fmt.Errorf("%w: code %q", tiered.ErrNotFound, code)
	}
	if err != nil {
		return community.Code{}, fmt.Errorf("get code: %w", err)
	}
	return r.code(), nil
}

func (s *CodeStore) Put(ctx context.Context, c community.Code) error {
	ctx, span := s.tracer.Start(ctx, "postgres.codes.put", trace.WithAttributes(attribute.String("code", c.Code)))
	defer span.End()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO codes (`+codeColumns+`)
		VALUES (:code, :created_at, :expires_at, :used, :used_at, :used_by, :last_updated)
		ON CONFLICT (code) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			used = EXCLUDED.used,
			used_at = EXCLUDED.used_at,
			used_by = EXCLUDED.used_by,
			last_updated = EXCLUDED.last_updated
	`, toCodeRow(c))
	if err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

func (s *CodeStore) Delete(ctx context.Context, code string) error {
	ctx, span := s.tracer.Start(ctx, "postgres.codes.delete", trace.WithAttributes(attribute.String("code", code)))
	defer span.End()

	return deleteRow(ctx, s.db, `DELETE FROM codes WHERE code = $1`, code, "code")
}

func (s *CodeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
