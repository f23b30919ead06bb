// Package storage holds the column codecs shared by the SQL tiers.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EncodeJSON stores v as a JSON column. A nil pointer becomes NULL.
func EncodeJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// DecodeJSON reverses EncodeJSON.
func DecodeJSON[T any](col sql.NullString) (*T, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return &v, nil
}

// Micros converts t to UTC unix microseconds.
func Micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// FromMicros converts unix microseconds back to a UTC time.
func FromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// NullMicros stores an optional time. Nil becomes NULL.
func NullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Micros(*t), Valid: true}
}

// FromNullMicros reverses NullMicros.
func FromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMicros(v.Int64)
	return &t
}

// NullTime converts an optional time for drivers with native timestamps.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// FromNullTime reverses NullTime.
func FromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
