// Package app assembles the tiered stores shared by the server and the
// resilience drills.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"memberboard/internal/community"
	"memberboard/internal/storage/postgres"
	"memberboard/internal/storage/sqlite"
	"memberboard/internal/tiered"
	"memberboard/pkg/outbox"
)

// Options selects the tiers of a Stack.
type Options struct {
	// DatabaseURL is the postgres primary. Empty makes the sqlite file the
	// primary, or an in-process stand-in when SQLitePath is empty too.
	DatabaseURL string
	// SQLitePath is the local fallback and journal. Empty keeps the journal
	// in memory.
	SQLitePath string

	Breaker   tiered.BreakerSettings
	Reconcile tiered.ReconcilerOptions
	// InjectFaults wraps every durable tier so drills can take it down.
	InjectFaults bool

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Now            func() time.Time
}

// Faults are the switches for each durable tier. Fields are nil when the
// tier does not exist.
type Faults struct {
	MemberPrimary  *tiered.Faulty[community.Member]
	CodePrimary    *tiered.Faulty[community.Code]
	MemberFallback *tiered.Faulty[community.Member]
	CodeFallback   *tiered.Faulty[community.Code]
}

// PrimaryDown fails both primaries.
func (f *Faults) PrimaryDown() {
	f.MemberPrimary.Fail(nil)
	f.CodePrimary.Fail(nil)
}

// AllDown fails every durable tier.
func (f *Faults) AllDown() {
	f.PrimaryDown()
	if f.MemberFallback != nil {
		f.MemberFallback.Fail(nil)
		f.CodeFallback.Fail(nil)
	}
}

// HealAll restores every durable tier.
func (f *Faults) HealAll() {
	f.MemberPrimary.Heal()
	f.CodePrimary.Heal()
	if f.MemberFallback != nil {
		f.MemberFallback.Heal()
		f.CodeFallback.Heal()
	}
}

// Stack is the assembled storage layer.
type Stack struct {
	Members    *tiered.Accessor[community.Member, *community.Member]
	Codes      *tiered.Accessor[community.Code, *community.Code]
	Reconciler *tiered.Reconciler
	Journal    tiered.Journal
	// Faults is nil unless Options.InjectFaults is set.
	Faults *Faults

	closers []func() error
}

// Build opens and migrates the configured databases and wires the accessors.
func Build(ctx context.Context, opts Options) (*Stack, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Stack{}

	var (
		pg   *sqlx.DB
		lite *sql.DB
	)
	if opts.DatabaseURL != "" {
		db, err := postgres.Open(opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			// The primary may come up later; the breaker and reconciler cover it.
			opts.Logger.WarnContext(ctx, "postgres unavailable at startup", "component", "app", "error", err)
		}
		pg = db
	}
	if opts.SQLitePath != "" {
		db, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if err := sqlite.Migrate(ctx, db); err != nil {
			_ = s.Close()
			return nil, err
		}
		lite = db
	}

	if lite != nil {
		journal := outbox.New(lite)
		if err := journal.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Journal = journal
	} else {
		s.Journal = outbox.NewMemory()
	}

	var (
		memberTiers []tiered.Store[community.Member]
		codeTiers   []tiered.Store[community.Code]
	)
	switch {
	case pg != nil:
		memberTiers = append(memberTiers, postgres.NewMemberStore(pg))
		codeTiers = append(codeTiers, postgres.NewCodeStore(pg))
	case lite == nil:
		memberTiers = append(memberTiers, tiered.NewMemoryStore[community.Member]("standin"))
		codeTiers = append(codeTiers, tiered.NewMemoryStore[community.Code]("standin"))
	}
	if lite != nil {
		memberTiers = append(memberTiers, sqlite.NewMemberStore(lite))
		codeTiers = append(codeTiers, sqlite.NewCodeStore(lite))
	}

	if opts.InjectFaults {
		s.Faults = &Faults{}
		memberTiers, s.Faults.MemberPrimary, s.Faults.MemberFallback = faulty(memberTiers)
		codeTiers, s.Faults.CodePrimary, s.Faults.CodeFallback = faulty(codeTiers)
	}
	memberTiers[0] = tiered.NewBreaker(memberTiers[0], opts.Breaker, opts.Logger)
	codeTiers[0] = tiered.NewBreaker(codeTiers[0], opts.Breaker, opts.Logger)

	accessorOpts := tiered.Options{
		Logger:         opts.Logger,
		Journal:        s.Journal,
		TracerProvider: opts.TracerProvider,
		MeterProvider:  opts.MeterProvider,
		Now:            opts.Now,
	}
	s.Members = tiered.New[community.Member]("member", tiered.NewMemoryStore[community.Member]("memory"), memberTiers, accessorOpts)
	s.Codes = tiered.New[community.Code]("code", tiered.NewMemoryStore[community.Code]("memory"), codeTiers, accessorOpts)

	reconcile := opts.Reconcile
	if reconcile.Logger == nil {
		reconcile.Logger = opts.Logger
	}
	if reconcile.MeterProvider == nil {
		reconcile.MeterProvider = opts.MeterProvider
	}
	s.Reconciler = tiered.NewReconciler(reconcile, s.Members, s.Codes)

	if err := s.Reconciler.Rehydrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("rehydrate memory tier: %w", err)
	}
	return s, nil
}

// Service builds the community service over the stack's accessors.
func (s *Stack) Service(opts community.Options) community.Service {
	return community.NewService(s.Members, s.Codes, opts)
}

// Close releases the databases.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func faulty[T any](tiers []tiered.Store[T]) ([]tiered.Store[T], *tiered.Faulty[T], *tiered.Faulty[T]) {
	out := make([]tiered.Store[T], len(tiers))
	var primary, fallback *tiered.Faulty[T]
	for i, t := range tiers {
		f := tiered.NewFaulty(t)
		out[i] = f
		switch i {
		case 0:
			primary = f
		case 1:
			fallback = f
		}
	}
	return out, primary, fallback
}
