package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records how many calls reach the wrapped tier.
type countingStore struct {
	Store[note]
	calls atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, key string) (note, error) {
	c.calls.Add(1)
	return c.Store.Get(ctx, key)
}

func (c *countingStore) Put(ctx context.Context, rec note) error {
	c.calls.Add(1)
	return c.Store.Put(ctx, rec)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaulty[note](NewMemoryStore[note]("primary"))
	counting := &countingStore{Store: faulty}
	b := NewBreaker[note](counting, BreakerSettings{Failures: 2, Cooldown: time.Hour}, discardLogger())

	faulty.Fail(errors.New("connection refused"))
	for range 2 {
		err := b.Put(ctx, note{ID: "x", Body: "x"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", b.State())

	faulty.Heal()
	err := b.Put(ctx, note{ID: "x", Body: "x"})
	assert.ErrorIs(t, err, ErrUnavailable, "open circuit fails fast")
	assert.Equal(t, int64(2), counting.calls.Load())

	assert.NoError(t, b.Ping(ctx), "ping bypasses the breaker")
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker[note](NewMemoryStore[note]("primary"), BreakerSettings{Failures: 1, Cooldown: time.Hour}, discardLogger())

	for range 5 {
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerIgnoresMalformedRecords(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaulty[note](NewMemoryStore[note]("primary"))
	faulty.Fail(fmt.Errorf("%w: note %q", ErrCorrupt, "bad"))
	b := NewBreaker[note](faulty, BreakerSettings{Failures: 1, Cooldown: time.Hour}, discardLogger())

	for range 3 {
		_, err := b.Get(ctx, "bad")
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorIs(t, err, ErrInvalid)
	}
	assert.Equal(t, "closed", b.State(), "a tier that answers is not down")
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaulty[note](NewMemoryStore[note]("primary"))
	b := NewBreaker[note](faulty, BreakerSettings{Failures: 1, Cooldown: 10 * time.Millisecond}, discardLogger())

	faulty.Fail(nil)
	_, err := b.List(ctx)
	require.Error(t, err)
	require.Equal(t, "open", b.State())

	faulty.Heal()
	require.Eventually(t, func() bool {
		_, err := b.List(ctx)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "closed", b.State())
}

func TestAccessorFailsOverThroughOpenBreaker(t *testing.T) {
	ctx := context.Background()
	primaryStore := NewMemoryStore[note]("primary")
	faulty := NewFaulty[note](primaryStore)
	secondary := NewMemoryStore[note]("secondary")
	acc := New[note]("note", NewMemoryStore[note]("memory"), []Store[note]{
		NewBreaker[note](faulty, BreakerSettings{Failures: 1, Cooldown: time.Hour}, discardLogger()),
		secondary,
	}, Options{Logger: discardLogger()})

	faulty.Fail(nil)
	for range 3 {
		_, res, err := acc.Create(ctx, note{Body: "b"})
		require.NoError(t, err)
		assert.Equal(t, DurabilityFallback, res.Durability)
	}
	all, err := secondary.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
