package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a journal held in process memory. It does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	next    int64
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, entry Entry) (int64, error) {
	if err := entry.validate(); err != nil {
		return 0, err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	entry.Seq = m.next
	if entry.Payload != nil {
		entry.Payload = append([]byte(nil), entry.Payload...)
	}
	m.entries = append(m.entries, entry)
	return entry.Seq, nil
}

func (m *Memory) Pending(ctx context.Context, kind string, afterSeq int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.Kind != kind || e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.Seq == seq {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: seq %d", ErrEntryNotFound, seq)
}

func (m *Memory) Count(ctx context.Context, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountKey(ctx context.Context, kind, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.Kind == kind && e.Key == key {
			n++
		}
	}
	return n, nil
}
