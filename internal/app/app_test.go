package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberboard/internal/community"
	"memberboard/internal/tiered"
)

func testOptions() Options {
	return Options{
		Breaker:      tiered.BreakerSettings{Failures: 100, Cooldown: time.Millisecond},
		Reconcile:    tiered.ReconcilerOptions{MaxTries: 1, InitialBackoff: time.Millisecond},
		InjectFaults: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func submission() community.SubmitMemberRequest {
	return community.SubmitMemberRequest{Name: "Ada", Role: "Illustrator", Description: "Maps"}
}

func TestBuildInProcess(t *testing.T) {
	ctx := context.Background()
	stack, err := Build(ctx, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })
	require.NotNil(t, stack.Faults)
	assert.Nil(t, stack.Faults.MemberFallback, "no fallback tier without a sqlite path")

	svc := stack.Service(community.Options{})
	m, res, err := svc.SubmitMember(ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, tiered.DurabilityPrimary, res.Durability)
	assert.Equal(t, "standin", res.Tier)

	stack.Faults.AllDown()
	_, res, err = svc.ApproveMember(ctx, m.ID)
	require.ErrorIs(t, err, community.ErrNotFound, "nothing reachable holds the member")

	held, res, err := svc.SubmitMember(ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, tiered.DurabilityMemory, res.Durability)
	assert.True(t, stack.Members.Health(ctx).Degraded)

	stack.Faults.HealAll()
	require.NoError(t, stack.Reconciler.Drain(ctx))

	n, err := stack.Journal.Count(ctx, "member")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, svc.ListMembers(ctx, community.StatusPending), 2)
	_, err = svc.GetMember(ctx, held.ID)
	assert.NoError(t, err)
}

func TestBuildSQLiteJournalSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.SQLitePath = filepath.Join(t.TempDir(), "board.db")

	stack, err := Build(ctx, opts)
	require.NoError(t, err)

	stack.Faults.PrimaryDown()
	m, res, err := stack.Service(community.Options{}).SubmitMember(ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, tiered.DurabilityMemory, res.Durability)
	require.NoError(t, stack.Close())

	opts.InjectFaults = false
	restarted, err := Build(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })
	assert.Nil(t, restarted.Faults)

	got, ok := restarted.Members.GetByID(ctx, m.ID)
	require.True(t, ok, "rehydrated from the journal")
	assert.Equal(t, "Ada", got.Name)

	require.NoError(t, restarted.Reconciler.Drain(ctx))
	n, err := restarted.Journal.Count(ctx, "member")
	require.NoError(t, err)
	assert.Zero(t, n)

	health := restarted.Members.Health(ctx)
	assert.False(t, health.Degraded)
	assert.Zero(t, health.Pending)
}
