package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberboard/internal/community"
	"memberboard/internal/tiered"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "fallback.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db, path
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestMemberStoreRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewMemberStore(db)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 123456000, time.UTC)
	lead := 7

	m := community.Member{
		ID:            "m1",
		Name:          "Ada",
		Role:          "Illustrator",
		Description:   "Maps",
		Avatar:        "https://example.com/a.png",
		Rejected:      true,
		RejectionDate: &now,
		Date:          now,
		LastUpdated:   now,
		Social:        &community.Social{Twitter: "https://twitter.com/ada"},
		Stats:         &community.Stats{Creativity: 1, Technique: 2, Teamwork: 3, Leadership: &lead},
	}
	require.NoError(t, store.Put(ctx, m))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	m.Name = "Ada L."
	m.Rejected, m.RejectionDate, m.Approved = false, nil, true
	m.LastUpdated = now.Add(time.Second)
	require.NoError(t, store.Put(ctx, m), "put replaces an existing row")

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, m, all[0])

	require.NoError(t, store.Delete(ctx, "m1"))
	assert.ErrorIs(t, store.Delete(ctx, "m1"), tiered.ErrNotFound)
	_, err = store.Get(ctx, "m1")
	assert.ErrorIs(t, err, tiered.ErrNotFound)
}

func TestCodeStoreRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewCodeStore(db)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	c := community.Code{Code: "ABCD1234", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastUpdated: now}
	require.NoError(t, store.Put(ctx, c))

	got, err := store.Get(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	used := now.Add(time.Minute)
	c.Used, c.UsedAt, c.UsedBy, c.LastUpdated = true, &used, "m1", used
	require.NoError(t, store.Put(ctx, c))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c, list[0])

	_, err = store.Get(ctx, "NOPE")
	assert.ErrorIs(t, err, tiered.ErrNotFound)
	assert.NoError(t, store.Ping(ctx))
	assert.Equal(t, Name, store.Name())
}

func TestDataSurvivesReopen(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, NewMemberStore(db).Put(ctx, community.Member{ID: "m1", Name: "Ada", Date: now, LastUpdated: now}))
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, Migrate(ctx, reopened))

	got, err := NewMemberStore(reopened).Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
}

func TestEmptyListIsNotAnError(t *testing.T) {
	db, _ := openTestDB(t)
	members, err := NewMemberStore(db).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMalformedMemberIsCorrupt(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO members (id, name, role, description, submitted_at, last_updated, stats)
		VALUES ('m1', 'Ada', 'r', 'd', 0, 0, 'not json')`)
	require.NoError(t, err)

	store := NewMemberStore(db)
	_, err = store.Get(ctx, "m1")
	assert.ErrorIs(t, err, tiered.ErrCorrupt)
	assert.ErrorContains(t, err, `member "m1"`)

	_, err = store.List(ctx)
	assert.ErrorIs(t, err, tiered.ErrCorrupt)
}
