package tiered

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"memberboard/pkg/outbox"
)

// note is a small record kind used to exercise the generic machinery.
type note struct {
	ID      string    `json:"id"`
	Body    string    `json:"body"`
	Tags    []string  `json:"tags,omitempty"`
	Created time.Time `json:"created"`
	Stamp   time.Time `json:"stamp"`
	Locked  bool      `json:"locked"`
}

func (n *note) Key() string { return n.ID }
func (n *note) SetKey(key string) { n.ID = key }
func (n *note) Updated() time.Time { return n.Stamp }
func (n *note) Frozen() bool { return n.Locked }
func (n *note) Touch(now time.Time, created bool) {
	if created {
		n.Created = now
	}
	n.Stamp = now
}

func (n *note) Validate() error {
	if n.Body == "" {
		return errors.New("body is required")
	}
	if len(n.Body) > 200 {
		return errors.New("body is too long")
	}
	return nil
}

func (n *note) Clone() note {
	c := *n
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	return c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by a millisecond on every call so stamps are strictly ordered.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	primaryStore   *MemoryStore[note]
	secondaryStore *MemoryStore[note]
	primary        *Faulty[note]
	secondary      *Faulty[note]
	memory         *MemoryStore[note]
	journal        *outbox.Memory
	clock          *fakeClock
	acc            *Accessor[note, *note]
}

func newFixture(t testing.TB, opts ...func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		primaryStore:   NewMemoryStore[note]("primary"),
		secondaryStore: NewMemoryStore[note]("secondary"),
		memory:         NewMemoryStore[note]("memory"),
		journal:        outbox.NewMemory(),
		clock:          newFakeClock(),
	}
	f.primary = NewFaulty[note](f.primaryStore)
	f.secondary = NewFaulty[note](f.secondaryStore)

	o := Options{
		Logger:  discardLogger(),
		Journal: f.journal,
		Now:     f.clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.acc = New[note]("note", f.memory, []Store[note]{f.primary, f.secondary}, o)
	return f
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(ReconcilerOptions{
		Batch:          2,
		MaxTries:       1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Logger:         discardLogger(),
	}, f.acc)
}

func (f *fixture) pending(t testing.TB) int {
	t.Helper()
	n, err := f.journal.Count(t.Context(), "note")
	if err != nil {
		t.Fatalf("count journal: %v", err)
	}
	return n
}
