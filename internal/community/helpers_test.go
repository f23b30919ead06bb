package community

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"memberboard/internal/tiered"
	"memberboard/pkg/outbox"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock          *testClock
	memberPrimary  *tiered.Faulty[Member]
	codePrimary    *tiered.Faulty[Code]
	memberFallback *tiered.Faulty[Member]
	codeFallback   *tiered.Faulty[Code]
	members        *tiered.Accessor[Member, *Member]
	codes          *tiered.Accessor[Code, *Code]
	svc            Service
}

func newTestEnv(t testing.TB, burst int) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	journal := outbox.NewMemory()

	env := &testEnv{
		clock:          clock,
		memberPrimary:  tiered.NewFaulty[Member](tiered.NewMemoryStore[Member]("primary")),
		codePrimary:    tiered.NewFaulty[Code](tiered.NewMemoryStore[Code]("primary")),
		memberFallback: tiered.NewFaulty[Member](tiered.NewMemoryStore[Member]("fallback")),
		codeFallback:   tiered.NewFaulty[Code](tiered.NewMemoryStore[Code]("fallback")),
	}
	opts := tiered.Options{Logger: logger, Journal: journal, Now: clock.Now}
	env.members = tiered.New[Member]("member", tiered.NewMemoryStore[Member]("memory"),
		[]tiered.Store[Member]{env.memberPrimary, env.memberFallback}, opts)
	env.codes = tiered.New[Code]("code", tiered.NewMemoryStore[Code]("memory"),
		[]tiered.Store[Code]{env.codePrimary, env.codeFallback}, opts)

	env.svc = NewService(env.members, env.codes, Options{
		CodeTTL:     time.Hour,
		SubmitRate:  rate.Every(time.Hour),
		SubmitBurst: burst,
		Logger:      logger,
		Now:         clock.Now,
	})
	return env
}

func (e *testEnv) outage() {
	e.memberPrimary.Fail(nil)
	e.codePrimary.Fail(nil)
	e.memberFallback.Fail(nil)
	e.codeFallback.Fail(nil)
}

func validSubmission() SubmitMemberRequest {
	return SubmitMemberRequest{
		Name:        "Ada",
		Role:        "Illustrator",
		Description: "Draws maps for the weekly column.",
		Avatar:      "https://example.com/ada.png",
		Social:      &Social{Github: "https://github.com/ada"},
		Stats:       &Stats{Creativity: 9, Technique: 7, Teamwork: 8},
	}
}
