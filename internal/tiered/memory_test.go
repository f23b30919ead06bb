package tiered

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore[note]("memory")

	n := note{ID: "a", Body: "a", Tags: []string{"t"}}
	require.NoError(t, m.Put(ctx, n))
	n.Tags[0] = "changed"

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, got.Tags)

	got.Tags[0] = "again"
	again, _ := m.Get(ctx, "a")
	assert.Equal(t, []string{"t"}, again.Tags)
}

func TestMemoryStoreTombstones(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore[note]("memory")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Put(ctx, note{ID: "a", Body: "a"}))
	m.Tombstone("a", at)

	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	when, ok := m.Tombstoned("a")
	require.True(t, ok)
	assert.Equal(t, at, when)

	m.ClearTombstone("a", at.Add(-time.Second))
	_, ok = m.Tombstoned("a")
	assert.True(t, ok, "a newer tombstone survives an older clear")

	m.ClearTombstone("a", at)
	_, ok = m.Tombstoned("a")
	assert.False(t, ok)

	m.Tombstone("b", at)
	require.NoError(t, m.Put(ctx, note{ID: "b", Body: "b"}))
	_, ok = m.Tombstoned("b")
	assert.False(t, ok, "a put resurrects the key")
}

func TestMemoryStoreSettleAndKeep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore[note]("memory")
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Keep(note{ID: "a", Body: "new", Stamp: t0.Add(time.Minute)})
	m.Keep(note{ID: "a", Body: "old", Stamp: t0})
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Body)

	m.Settle("a", t0)
	_, err = m.Get(ctx, "a")
	require.NoError(t, err, "settling an older version keeps the newer copy")

	m.Settle("a", t0.Add(time.Minute))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListIsOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore[note]("memory")
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, m.Put(ctx, note{ID: id, Body: id}))
	}

	all, err := m.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, n := range all {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, m.Delete(ctx, "b"))
	assert.ErrorIs(t, m.Delete(ctx, "b"), ErrNotFound)
	held, _ := m.Len()
	assert.Equal(t, 2, held)
}
