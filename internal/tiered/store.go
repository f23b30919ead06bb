package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memberboard/pkg/outbox"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalid     = errors.New("invalid record")
	ErrConflict    = errors.New("record already exists")
	ErrImmutable   = errors.New("record is immutable")
	ErrUnavailable = errors.New("tier unavailable")

	// ErrCorrupt marks a stored record a tier could not decode. It is an
	// ErrInvalid, so it reaches callers instead of triggering a fallback.
	ErrCorrupt = fmt.Errorf("%w: stored record is malformed", ErrInvalid)
)

// Record is the constraint every stored kind satisfies through its pointer type.
type Record[T any] interface {
	*T
	Key() string
	SetKey(key string)
	// Touch stamps lastUpdated, and the creation time when created is true.
	Touch(now time.Time, created bool)
	Updated() time.Time
	Validate() error
	Clone() T
}

// Store is one tier of the fallback chain. Get and Delete report a missing
// key with ErrNotFound and an undecodable record with ErrCorrupt; any other
// error means the tier could not be reached.
type Store[T any] interface {
	Name() string
	List(ctx context.Context) ([]T, error)
	Get(ctx context.Context, key string) (T, error)
	Put(ctx context.Context, rec T) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Journal records writes that have not reached every durable tier.
type Journal interface {
	Append(ctx context.Context, entry outbox.Entry) (int64, error)
	Pending(ctx context.Context, kind string, afterSeq int64, limit int) ([]outbox.Entry, error)
	Ack(ctx context.Context, seq int64) error
	Count(ctx context.Context, kind string) (int, error)
	CountKey(ctx context.Context, kind, key string) (int, error)
}

// Durability says where a write landed.
type Durability string

const (
	DurabilityPrimary  Durability = "primary"
	DurabilityFallback Durability = "fallback"
	DurabilityMemory   Durability = "memory"
)

// WriteResult describes the tier that accepted a write.
type WriteResult struct {
	Tier       string     `json:"tier"`
	Durability Durability `json:"durability"`
}

// Durable reports whether the write reached any durable tier.
func (r WriteResult) Durable() bool {
	return r.Durability == DurabilityPrimary || r.Durability == DurabilityFallback
}

// TierHealth is the reachability of one tier.
type TierHealth struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Health summarizes an accessor's tiers.
type Health struct {
	Kind       string       `json:"kind"`
	Tiers      []TierHealth `json:"tiers"`
	Pending    int          `json:"pending"`
	Tombstones int          `json:"tombstones"`
	Degraded   bool         `json:"degraded"`
}
