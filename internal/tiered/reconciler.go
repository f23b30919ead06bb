package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"memberboard/pkg/outbox"
)

// Reconcilable is an accessor whose journaled writes can be replayed.
type Reconcilable interface {
	Kind() string
	Rehydrate(ctx context.Context) error
	Reconcile(ctx context.Context, batch int) (int, error)
}

// Rehydrate loads pending journal entries into the memory tier so writes
// that never reached the primary stay readable after a restart.
func (a *Accessor[T, P]) Rehydrate(ctx context.Context) error {
	if a.journal == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var after int64
	restored := 0
	for {
		entries, err := a.journal.Pending(ctx, a.kind, after, 200)
		if err != nil {
			return fmt.Errorf("load pending %s entries: %w", a.kind, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			after = e.Seq
			switch e.Op {
			case outbox.OpPut:
				var rec T
				if err := json.Unmarshal(e.Payload, &rec); err != nil {
					a.logger.ErrorContext(ctx, "skip undecodable journal entry", "seq", e.Seq, "key", e.Key, "error", err)
					continue
				}
				a.memory.Keep(rec)
			case outbox.OpDelete:
				a.memory.Tombstone(e.Key, e.RecordedAt)
			}
			restored++
		}
	}

	if restored > 0 {
		a.logger.InfoContext(ctx, "memory tier rehydrated from journal", "entries", restored)
	}
	return nil
}

// Reconcile replays pending journal entries onto the durable tiers in order.
// It stops at the first entry a tier cannot take and returns how many
// entries were applied. An entry never changes a primary copy that is newer
// or frozen; the primary copy is then written to the other tiers instead.
func (a *Accessor[T, P]) Reconcile(ctx context.Context, batch int) (int, error) {
	if a.journal == nil || len(a.durable) == 0 {
		return 0, nil
	}

	ctx, span := a.tracer.Start(ctx, "tiered.reconcile")
	defer span.End()

	applied := 0
	var after int64
	for {
		entries, err := a.journal.Pending(ctx, a.kind, after, batch)
		if err != nil {
			return applied, fmt.Errorf("load pending %s entries: %w", a.kind, err)
		}
		if len(entries) == 0 {
			span.SetAttributes(attribute.Int("entries.applied", applied))
			return applied, nil
		}
		for _, e := range entries {
			if err := a.replay(ctx, e); err != nil {
				span.SetAttributes(attribute.Int("entries.applied", applied))
				return applied, err
			}
			after = e.Seq
			applied++
		}
	}
}

func (a *Accessor[T, P]) replay(ctx context.Context, e outbox.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	primary := a.durable[0]
	current, err := primary.Get(ctx, e.Key)
	exists := err == nil
	switch {
	case exists, errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorrupt):
		a.logger.ErrorContext(ctx, "primary copy is malformed, journal entry replaces it", "seq", e.Seq, "key", e.Key, "error", err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, primary.Name(), err)
	}

	switch e.Op {
	case outbox.OpPut:
		var rec T
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			a.logger.ErrorContext(ctx, "drop undecodable journal entry", "seq", e.Seq, "key", e.Key, "error", err)
			break
		}
		updated := P(&rec).Updated()
		if at, dead := a.memory.Tombstoned(e.Key); dead && !updated.After(at) {
			a.logger.DebugContext(ctx, "journal entry superseded by a later delete", "seq", e.Seq, "key", e.Key)
			a.memory.Settle(e.Key, updated)
			break
		}

		winner := rec
		switch {
		case exists && !updated.After(P(&current).Updated()):
			a.logger.DebugContext(ctx, "journal entry superseded by primary copy", "seq", e.Seq, "key", e.Key)
			winner = current
		case exists && isFrozen[T, P](current):
			a.logger.WarnContext(ctx, "journal entry dropped, primary copy is immutable", "seq", e.Seq, "key", e.Key)
			winner = current
		default:
			if err := primary.Put(ctx, rec); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrUnavailable, primary.Name(), err)
			}
		}
		for _, tier := range a.durable[1:] {
			if err := tier.Put(ctx, winner); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrUnavailable, tier.Name(), err)
			}
		}
		a.memory.Settle(e.Key, updated)

	case outbox.OpDelete:
		if exists && P(&current).Updated().After(e.RecordedAt) {
			a.logger.DebugContext(ctx, "tombstone superseded by primary copy", "seq", e.Seq, "key", e.Key)
			for _, tier := range a.durable[1:] {
				if err := tier.Put(ctx, current); err != nil {
					return fmt.Errorf("%w: %s: %w", ErrUnavailable, tier.Name(), err)
				}
			}
		} else {
			for _, tier := range a.durable {
				if err := tier.Delete(ctx, e.Key); err != nil && !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: %s: %w", ErrUnavailable, tier.Name(), err)
				}
			}
		}
		a.memory.ClearTombstone(e.Key, e.RecordedAt)

	default:
		a.logger.ErrorContext(ctx, "drop journal entry with unknown op", "seq", e.Seq, "op", e.Op)
	}

	if err := a.journal.Ack(ctx, e.Seq); err != nil {
		return fmt.Errorf("ack %s entry %d: %w", a.kind, e.Seq, err)
	}
	return nil
}

// ReconcilerOptions tunes the background drain.
type ReconcilerOptions struct {
	Interval       time.Duration
	Batch          int
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
}

// Reconciler periodically drains the journals of its targets.
type Reconciler struct {
	targets []Reconcilable
	opts    ReconcilerOptions
	logger  *slog.Logger

	reconciled metric.Int64Counter
}

func NewReconciler(opts ReconcilerOptions, targets ...Reconcilable) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	reconciled, err := mp.Meter("memberboard/tiered").Int64Counter("tiered.reconciled_entries",
		metric.WithDescription("Journal entries replayed onto the primary tier"))
	if err != nil {
		reconciled = noop.Int64Counter{}
	}

	return &Reconciler{
		targets:    targets,
		opts:       opts,
		logger:     logger.With("component", "reconciler"),
		reconciled: reconciled,
	}
}

// Rehydrate restores every target's memory tier from its journal.
func (r *Reconciler) Rehydrate(ctx context.Context) error {
	for _, t := range r.targets {
		if err := t.Rehydrate(ctx); err != nil {
			return fmt.Errorf("rehydrate %s: %w", t.Kind(), err)
		}
	}
	return nil
}

// Drain replays every target's journal, retrying an unreachable primary with
// exponential backoff. Errors from all targets are joined.
func (r *Reconciler) Drain(ctx context.Context) error {
	var errs []error
	for _, t := range r.targets {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.opts.InitialBackoff
		b.MaxInterval = r.opts.MaxBackoff

		total := 0
		_, err := backoff.Retry(ctx, func() (int, error) {
			n, err := t.Reconcile(ctx, r.opts.Batch)
			total += n
			if err != nil && !errors.Is(err, ErrUnavailable) {
				return n, backoff.Permanent(err)
			}
			return n, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(r.opts.MaxTries))

		if total > 0 {
			r.reconciled.Add(ctx, int64(total), metric.WithAttributes(attribute.String("record.kind", t.Kind())))
			r.logger.InfoContext(ctx, "journal drained", "kind", t.Kind(), "applied", total)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", t.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// Run drains on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.logger.WarnContext(ctx, "reconciliation incomplete, retrying next tick", "error", err)
			}
		}
	}
}
