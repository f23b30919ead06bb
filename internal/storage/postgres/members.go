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

type memberRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Role          string         `db:"role"`
	Description   string         `db:"description"`
	Avatar        string         `db:"avatar"`
	Banner        string         `db:"banner"`
	Approved      bool           `db:"approved"`
	Rejected      bool           `db:"rejected"`
	RejectionDate sql.NullTime   `db:"rejection_date"`
	SubmittedAt   time.Time      `db:"submitted_at"`
	LastUpdated   time.Time      `db:"last_updated"`
	Social        sql.NullString `db:"social"`
	Stats         sql.NullString `db:"stats"`
}

const memberColumns = `id, name, role, description, avatar, banner, approved, rejected,
	rejection_date, submitted_at, last_updated, social, stats`

func toMemberRow(m community.Member) (memberRow, error) {
	social, err := storage.EncodeJSON(m.Social)
	if err != nil {
		return memberRow{}, err
	}
	stats, err := storage.EncodeJSON(m.Stats)
	if err != nil {
		return memberRow{}, err
	}
	return memberRow{
		ID:            m.ID,
		Name:          m.Name,
		Role:          m.Role,
		Description:   m.Description,
		Avatar:        m.Avatar,
		Banner:        m.Banner,
		Approved:      m.Approved,
		Rejected:      m.Rejected,
		RejectionDate: storage.NullTime(m.RejectionDate),
		SubmittedAt:   m.Date.UTC(),
		LastUpdated:   m.LastUpdated.UTC(),
		Social:        social,
		Stats:         stats,
	}, nil
}

func (r memberRow) member() (community.Member, error) {
	social, err := storage.DecodeJSON[community.Social](r.Social)
	if err != nil {
		return community.Member{}, fmt.Errorf("%w: member %q: %w", tiered.ErrCorrupt, r.ID, err)
	}
	stats, err := storage.DecodeJSON[community.Stats](r.Stats)
	if err != nil {
		return community.Member{}, fmt.Errorf("%w: member %q: %w", tiered.ErrCorrupt, r.ID, err)
	}
	return community.Member{
		ID:            r.ID,
		Name:          r.Name,
		Role:          r.Role,
		Description:   r.Description,
		Avatar:        r.Avatar,
		Banner:        r.Banner,
		Approved:      r.Approved,
		Rejected:      r.Rejected,
		RejectionDate: storage.FromNullTime(r.RejectionDate),
		Date:          r.SubmittedAt.UTC(),
		LastUpdated:   r.LastUpdated.UTC(),
		Social:        social,
		Stats:         stats,
	}, nil
}

// MemberStore keeps members in the members table.
type MemberStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewMemberStore(db *sqlx.DB) *MemberStore {
	return &MemberStore{db: db, tracer: otel.Tracer("memberboard/storage/postgres")}
}

func (s *MemberStore) Name() string { return Name }

func (s *MemberStore) List(ctx context.Context) ([]community.Member, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.members.list")
	defer span.End()

	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM members ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	out := make([]community.Member, 0, len(rows))
	for _, r := range rows {
		m, err := r.member()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("members.count", len(out)))
	return out, nil
}

func (s *MemberStore) Get(ctx context.Context, id string) (community.Member, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.members.get", trace.WithAttributes(attribute.String("member.id", id)))
	defer span.End()

	var r memberRow
	err := s.db.GetContext(ctx, &r, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return community.Member{}, fmt.Errorf("%w: member %q", tiered.ErrNotFound, id)
	}
	if err != nil {
		return community.Member{}, fmt.Errorf("get member: %w", err)
	}
	return r.member()
}

// Put inserts or replaces a member.
func (s *MemberStore) Put(ctx context.Context, m community.Member) error {
	ctx, span := s.tracer.Start(ctx, "postgres.members.put", trace.WithAttributes(attribute.String("member.id", m.ID)))
	defer span.End()

	row, err := toMemberRow(m)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (:id, :name, :role, :description, :avatar, :banner, :approved, :rejected,
			:rejection_date, :submitted_at, :last_updated, :social, :stats)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			description = EXCLUDED.description,
			avatar = EXCLUDED.avatar,
			banner = EXCLUDED.banner,
			approved = EXCLUDED.approved,
			rejected = EXCLUDED.rejected,
			rejection_date = EXCLUDED.rejection_date,
			submitted_at = EXCLUDED.submitted_at,
			last_updated = EXCLUDED.last_updated,
			social = EXCLUDED.social,
			stats = EXCLUDED.stats
	`, row)
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (s *MemberStore) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "postgres.members.delete", trace.WithAttributes(attribute.String("member.id", id)))
	defer span.End()

	return deleteRow(ctx, s.db, `DELETE FROM members WHERE id = $1`, id, "member")
}

func (s *MemberStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func deleteRow(ctx context.Context, db *sqlx.DB, query, key, what string) error {
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
