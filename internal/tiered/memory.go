package tiered

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the last-resort tier. It holds writes that have not yet
// reached the primary, plus tombstones for deletes the primary has not seen.
// It also satisfies Store, so tests use it as a durable tier double.
type MemoryStore[T any] struct {
	name    string
	key     func(*T) string
	updated func(*T) time.Time
	clone   func(*T) T

	mu         sync.RWMutex
	records    map[string]T
	tombstones map[string]time.Time
}

// NewMemoryStore creates an empty memory tier for the record kind T.
func NewMemoryStore[T any, P Record[T]](name string) *MemoryStore[T] {
	return &MemoryStore[T]{
		name:       name,
		key:        func(v *T) string { return P(v).Key() },
		updated:    func(v *T) time.Time { return P(v).Updated() },
		clone:      func(v *T) T { return P(v).Clone() },
		records:    make(map[string]T),
		tombstones: make(map[string]time.Time),
	}
}

func (m *MemoryStore[T]) Name() string { return m.name }

// List returns the held records ordered by key.
func (m *MemoryStore[T]) List(ctx context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		rec := m.records[k]
		out = append(out, m.clone(&rec))
	}
	return out, nil
}

func (m *MemoryStore[T]) Get(ctx context.Context, key string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s in %s", ErrNotFound, key, m.name)
	}
	return m.clone(&rec), nil
}

// Put stores a copy of rec. A put clears any tombstone for the key.
func (m *MemoryStore[T]) Put(ctx context.Context, rec T) error {
	key := m.key(&rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = m.clone(&rec)
	delete(m.tombstones, key)
	return nil
}

func (m *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, m.name)
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore[T]) Ping(ctx context.Context) error { return nil }

// Tombstone marks key as deleted at the given time and drops any held copy.
func (m *MemoryStore[T]) Tombstone(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	m.tombstones[key] = at
}

// Tombstoned reports whether key carries a tombstone and when it was set.
func (m *MemoryStore[T]) Tombstoned(key string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.tombstones[key]
	return at, ok
}

// ClearTombstone removes the tombstone for key if it was set no later than upTo.
func (m *MemoryStore[T]) ClearTombstone(key string, upTo time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.tombstones[key]; ok && !at.After(upTo) {
		delete(m.tombstones, key)
	}
}

// Forget drops both the held copy and the tombstone for key.
func (m *MemoryStore[T]) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	delete(m.tombstones, key)
}

// Settle drops the held copy of key if it is not newer than upTo.
func (m *MemoryStore[T]) Settle(key string, upTo time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if ok && !m.updated(&rec).After(upTo) {
		delete(m.records, key)
	}
}

// Keep stores rec only if no newer copy is held. Used when rehydrating.
func (m *MemoryStore[T]) Keep(rec T) {
	key := m.key(&rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.records[key]; ok && !m.updated(&rec).After(m.updated(&cur)) {
		return
	}
	m.records[key] = m.clone(&rec)
	delete(m.tombstones, key)
}

// Overlay merges held copies and tombstones over base, which is typically the
// listing of a durable tier. Records only held in memory are appended in key order.
func (m *MemoryStore[T]) Overlay(base []T) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(base))
	out := make([]T, 0, len(base)+len(m.records))
	for i := range base {
		key := m.key(&base[i])
		if _, dead := m.tombstones[key]; dead {
			continue
		}
		seen[key] = struct{}{}
		if held, ok := m.records[key]; ok {
			out = append(out, m.clone(&held))
			continue
		}
		out = append(out, base[i])
	}

	extra := make([]string, 0)
	for k := range m.records {
		if _, ok := seen[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		rec := m.records[k]
		out = append(out, m.clone(&rec))
	}
	return out
}

// Len returns the number of held records and tombstones.
func (m *MemoryStore[T]) Len() (records, tombstones int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), len(m.tombstones)
}
