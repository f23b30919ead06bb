package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrInvalidEntry  = errors.New("invalid outbox entry")
)

// Op is the kind of write an entry replays.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Entry is one journaled write that still has to reach the primary store.
type Entry struct {
	Seq        int64           `json:"seq" db:"seq"`
	ID         uuid.UUID       `json:"id" db:"id"`
	Kind       string          `json:"kind" db:"kind"`
	Key        string          `json:"key" db:"record_key"`
	Op         Op              `json:"op" db:"op"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

func (e Entry) validate() error {
	switch {
	case e.Kind == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidEntry)
	case e.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidEntry)
	case e.Op != OpPut && e.Op != OpDelete:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEntry, e.Op)
	case e.Op == OpPut && len(e.Payload) == 0:
		return fmt.Errorf("%w: put without payload", ErrInvalidEntry)
	}
	return nil
}

// Store is a journal kept in a SQL database. Queries use sqlite syntax.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// New creates a journal over db. Call Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("memberboard/outbox"),
	}
}

// Migrate creates the outbox table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			record_key TEXT NOT NULL,
			op TEXT NOT NULL CHECK (op IN ('put', 'delete')),
			payload BLOB,
			recorded_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_outbox_kind_seq ON outbox (kind, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_kind_key ON outbox (kind, record_key)`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate outbox index: %w", err)
		}
	}
	return nil
}

// Append journals an entry and returns its sequence number.
func (s *Store) Append(ctx context.Context, entry Entry) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.append",
		trace.WithAttributes(
			attribute.String("entry.kind", entry.Kind),
			attribute.String("entry.key", entry.Key),
			attribute.String("entry.op", string(entry.Op)),
		),
	)
	defer span.End()

	if err := entry.validate(); err != nil {
		return 0, err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	var payload []byte
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, record_key, op, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID.String(), entry.Kind, entry.Key, string(entry.Op), payload, entry.RecordedAt.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("insert outbox entry: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read outbox sequence: %w", err)
	}

	span.SetAttributes(attribute.Int64("entry.seq", seq))
	return seq, nil
}

// Pending returns up to limit entries of kind with a sequence after afterSeq,
// oldest first.
func (s *Store) Pending(ctx context.Context, kind string, afterSeq int64, limit int) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.pending",
		trace.WithAttributes(
			attribute.String("entry.kind", kind),
			attribute.Int64("after.seq", afterSeq),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, record_key, op, payload, recorded_at
		FROM outbox
		WHERE kind = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, kind, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e          Entry
			id, op     string
			payload    []byte
			recordedAt int64
		)
		if err := rows.Scan(&e.Seq, &id, &e.Kind, &e.Key, &op, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse entry id %q: %w", id, err)
		}
		e.ID = parsed
		e.Op = Op(op)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.RecordedAt = time.UnixMicro(recordedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}

	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// Ack removes an applied entry from the journal.
func (s *Store) Ack(ctx context.Context, seq int64) error {
	ctx, span := s.tracer.Start(ctx, "outbox.ack",
		trace.WithAttributes(attribute.Int64("entry.seq", seq)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("ack outbox entry %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack outbox entry %d: %w", seq, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: seq %d", ErrEntryNotFound, seq)
	}
	return nil
}

// Count returns the number of pending entries of kind.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return n, nil
}

// CountKey returns the number of pending entries for one record.
func (s *Store) CountKey(ctx context.Context, kind, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE kind = ? AND record_key = ?`, kind, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox entries for %q: %w", key, err)
	}
	return n, nil
}
