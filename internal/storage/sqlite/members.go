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

const memberColumns = `id, name, role, description, avatar, banner, approved, rejected,
	rejection_date, submitted_at, last_updated, social, stats`

// MemberStore keeps members in the local members table.
type MemberStore struct {
	db *sql.DB
}

func NewMemberStore(db *sql.DB) *MemberStore {
	return &MemberStore{db: db}
}

func (s *MemberStore) Name() string { return Name }

func (s *MemberStore) List(ctx context.Context) ([]community.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []community.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return out, nil
}

func (s *MemberStore) Get(ctx context.Context, id string) (community.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return community.Member{}, fmt.Errorf("%w: member %q", tiered.ErrNotFound, id)
	}
	return m, err
}

// Put inserts or replaces a member.
func (s *MemberStore) Put(ctx context.Context, m community.Member) error {
	social, err := storage.EncodeJSON(m.Social)
	if err != nil {
		return err
	}
	stats, err := storage.EncodeJSON(m.Stats)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			description = excluded.description,
			avatar = excluded.avatar,
			banner = excluded.banner,
			approved = excluded.approved,
			rejected = excluded.rejected,
			rejection_date = excluded.rejection_date,
			submitted_at = excluded.submitted_at,
			last_updated = excluded.last_updated,
			social = excluded.social,
			stats = excluded.stats
	`, m.ID, m.Name, m.Role, m.Description, m.Avatar, m.Banner, m.Approved, m.Rejected,
		storage.NullMicros(m.RejectionDate), storage.Micros(m.Date), storage.Micros(m.LastUpdated),
		social, stats)
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (s *MemberStore) Delete(ctx context.Context, id string) error {
	return deleteRow(ctx, s.db, `DELETE FROM members WHERE id = ?`, id, "member")
}

func (s *MemberStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanMember(row scanner) (community.Member, error) {
	var (
		m                      community.Member
		rejectionDate          sql.NullInt64
		submitted, lastUpdated int64
		social, stats          sql.NullString
	)
	err := row.Scan(&m.ID, &m.Name, &m.Role, &m.Description, &m.Avatar, &m.Banner,
		&m.Approved, &m.Rejected, &rejectionDate, &submitted, &lastUpdated, &social, &stats)
	if errors.Is(err, sql.ErrNoRows) {
		return community.Member{}, err
	}
	if err != nil {
		return community.Member{}, fmt.Errorf("scan member: %w", err)
	}

	m.RejectionDate = storage.FromNullMicros(rejectionDate)
	m.Date = storage.FromMicros(submitted)
	m.LastUpdated = storage.FromMicros(lastUpdated)
	if m.Social, err = storage.DecodeJSON[community.Social](social); err != nil {
		return community.Member{}, fmt.Errorf("%w: member %q: %w", tiered.ErrCorrupt, m.ID, err)
	}
	if m.Stats, err = storage.DecodeJSON[community.Stats](stats); err != nil {
		return community.Member{}, fmt.Errorf("%w: member %q: %w", tiered.ErrCorrupt, m.ID, err)
	}
	return m, nil
}
