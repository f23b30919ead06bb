package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"memberboard/pkg/outbox"
)

// Options configures an Accessor. Zero values fall back to the global
// providers, the default logger and the wall clock.
type Options struct {
	Logger         *slog.Logger
	Journal        Journal
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Now            func() time.Time
}

// Accessor reads and writes one record kind across an ordered list of
// durable tiers, falling back to the memory tier when none of them answers.
type Accessor[T any, P Record[T]] struct {
	kind    string
	durable []Store[T]
	memory  *MemoryStore[T]
	journal Journal
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	degraded metric.Int64Counter
	fallback metric.Int64Counter

	// mu serializes mutations, including reconciliation.
	mu sync.Mutex
}

// New builds an accessor for kind. durable[0] is the primary tier.
func New[T any, P Record[T]](kind string, memory *MemoryStore[T], durable []Store[T], opts Options) *Accessor[T, P] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	meter := mp.Meter("memberboard/tiered")
	degraded, err := meter.Int64Counter("tiered.degraded_writes",
		metric.WithDescription("Writes accepted by the memory tier only"))
	if err != nil {
		degraded = noop.Int64Counter{}
	}
	fallback, err := meter.Int64Counter("tiered.fallback_operations",
		metric.WithDescription("Tier calls that failed and moved on to the next tier"))
	if err != nil {
		fallback = noop.Int64Counter{}
	}

	return &Accessor[T, P]{
		kind:     kind,
		durable:  durable,
		memory:   memory,
		journal:  opts.Journal,
		logger:   logger.With("component", "tiered", "kind", kind),
		tracer:   tp.Tracer("memberboard/tiered"),
		now:      now,
		degraded: degraded,
		fallback: fallback,
	}
}

func (a *Accessor[T, P]) Kind() string { return a.kind }

// GetAll lists every record. It never fails: when no durable tier answers it
// returns what the memory tier holds.
func (a *Accessor[T, P]) GetAll(ctx context.Context) []T {
	ctx, span := a.tracer.Start(ctx, "tiered.get_all",
		trace.WithAttributes(attribute.String("record.kind", a.kind)),
	)
	defer span.End()

	var base []T
	source := a.memory.Name()
	for _, tier := range a.durable {
		recs, err := tier.List(ctx)
		if errors.Is(err, ErrCorrupt) {
			// A listing has no error channel; the corruption is reported, not hidden.
			span.RecordError(err)
			a.logger.ErrorContext(ctx, "tier holds a malformed record, listing from the next tier",
				"tier", tier.Name(), "error", err)
			continue
		}
		if err != nil {
			a.tierFailed(ctx, span, tier, "list", err)
			continue
		}
		base, source = recs, tier.Name()
		break
	}

	out := a.memory.Overlay(base)
	span.SetAttributes(
		attribute.String("tier.source", source),
		attribute.Int("records.count", len(out)),
	)
	return out
}

// GetByID returns the record for key. A record held in memory is newer than
// any durable copy and wins; otherwise the first reachable durable tier answers.
// A malformed stored record reads as absent; use Lookup to see the error.
func (a *Accessor[T, P]) GetByID(ctx context.Context, key string) (T, bool) {
	rec, ok, _ := a.Lookup(ctx, key)
	return rec, ok
}

// Lookup is GetByID for callers that need to tell a missing record from a
// malformed one. The only error it returns wraps ErrCorrupt.
func (a *Accessor[T, P]) Lookup(ctx context.Context, key string) (T, bool, error) {
	ctx, span := a.tracer.Start(ctx, "tiered.get",
		trace.WithAttributes(
			attribute.String("record.kind", a.kind),
			attribute.String("record.key", key),
		),
	)
	defer span.End()

	rec, tier, ok, err := a.lookup(ctx, span, key)
	span.SetAttributes(attribute.Bool("record.found", ok), attribute.String("tier.source", tier))
	return rec, ok, err
}

func (a *Accessor[T, P]) lookup(ctx context.Context, span trace.Span, key string) (T, string, bool, error) {
	var zero T
	if key == "" {
		return zero, "", false, nil
	}
	if _, dead := a.memory.Tombstoned(key); dead {
		return zero, a.memory.Name(), false, nil
	}
	if rec, err := a.memory.Get(ctx, key); err == nil {
		return rec, a.memory.Name(), true, nil
	}
	// The first tier that answers is authoritative, as in GetAll.
	for _, tier := range a.durable {
		rec, err := tier.Get(ctx, key)
		switch {
		case err == nil:
			return rec, tier.Name(), true, nil
		case errors.Is(err, ErrNotFound):
			return zero, tier.Name(), false, nil
		case errors.Is(err, ErrCorrupt):
			span.RecordError(err)
			a.logger.ErrorContext(ctx, "tier holds a malformed record", "tier", tier.Name(), "key", key, "error", err)
			return zero, tier.Name(), false, fmt.Errorf("%s %q in %s: %w", a.kind, key, tier.Name(), err)
		default:
			a.tierFailed(ctx, span, tier, "get", err)
		}
	}
	return zero, "", false, nil
}

// Create stores a new record. An empty key gets a fresh UUID; a key that
// already exists is rejected with ErrConflict.
func (a *Accessor[T, P]) Create(ctx context.Context, rec T) (T, WriteResult, error) {
	ctx, span := a.tracer.Start(ctx, "tiered.create",
		trace.WithAttributes(attribute.String("record.kind", a.kind)),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	rec = P(&rec).Clone()
	p := P(&rec)
	if p.Key() == "" {
		p.SetKey(uuid.NewString())
	} else {
		_, _, exists, err := a.lookup(ctx, span, p.Key())
		if err != nil {
			return zero, WriteResult{}, err
		}
		if exists {
			return zero, WriteResult{}, fmt.Errorf("%w: %s %q", ErrConflict, a.kind, p.Key())
		}
	}
	p.Touch(a.stamp(), true)
	if err := p.Validate(); err != nil {
		return zero, WriteResult{}, fmt.Errorf("%w: %s: %w", ErrInvalid, a.kind, err)
	}

	span.SetAttributes(attribute.String("record.key", p.Key()))
	res := a.write(ctx, span, rec)
	return rec, res, nil
}

// Update applies patch to the current copy of key and writes the result.
// Errors returned by patch are passed through unchanged.
func (a *Accessor[T, P]) Update(ctx context.Context, key string, patch func(P) error) (T, WriteResult, error) {
	ctx, span := a.tracer.Start(ctx, "tiered.update",
		trace.WithAttributes(
			attribute.String("record.kind", a.kind),
			attribute.String("record.key", key),
		),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	cur, _, ok, err := a.lookup(ctx, span, key)
	if err != nil {
		return zero, WriteResult{}, err
	}
	if !ok {
		return zero, WriteResult{}, fmt.Errorf("%w: %s %q", ErrNotFound, a.kind, key)
	}
	p := P(&cur)
	if isFrozen[T, P](cur) {
		return zero, WriteResult{}, fmt.Errorf("%w: %s %q", ErrImmutable, a.kind, key)
	}

	prev := p.Updated()
	if err := patch(p); err != nil {
		return zero, WriteResult{}, err
	}
	p.SetKey(key)
	ts := a.stamp()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	p.Touch(ts, false)
	if err := p.Validate(); err != nil {
		return zero, WriteResult{}, fmt.Errorf("%w: %s: %w", ErrInvalid, a.kind, err)
	}

	res := a.write(ctx, span, cur)
	return cur, res, nil
}

// Delete removes key from every reachable tier and reports whether any tier
// held it. When the primary cannot be reached the delete is remembered as a
// tombstone and journaled.
func (a *Accessor[T, P]) Delete(ctx context.Context, key string) bool {
	ctx, span := a.tracer.Start(ctx, "tiered.delete",
		trace.WithAttributes(
			attribute.String("record.kind", a.kind),
			attribute.String("record.key", key),
		),
	)
	defer span.End()

	if key == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := false
	primaryReached := len(a.durable) == 0
	missed := false
	for i, tier := range a.durable {
		err := tier.Delete(ctx, key)
		switch {
		case err == nil:
			removed = true
			if i == 0 {
				primaryReached = true
			}
		case errors.Is(err, ErrNotFound):
			if i == 0 {
				primaryReached = true
			}
		default:
			missed = true
			a.tierFailed(ctx, span, tier, "delete", err)
		}
	}
	held := a.memory.Delete(ctx, key) == nil
	if held {
		removed = true
	}

	if primaryReached {
		a.memory.Forget(key)
		// Pending puts for key would bring it back on replay, and a tier that
		// missed the delete still serves it during a primary outage.
		if held || missed || a.pendingFor(ctx, key) {
			at := a.stamp()
			a.memory.Tombstone(key, at)
			a.enqueue(ctx, outbox.Entry{Kind: a.kind, Key: key, Op: outbox.OpDelete, RecordedAt: at})
		}
	} else if _, dead := a.memory.Tombstoned(key); !dead {
		at := a.stamp()
		a.memory.Tombstone(key, at)
		a.enqueue(ctx, outbox.Entry{Kind: a.kind, Key: key, Op: outbox.OpDelete, RecordedAt: at})
		a.logger.WarnContext(ctx, "primary unreachable, delete kept as tombstone", "key", key)
	}

	span.SetAttributes(attribute.Bool("record.removed", removed))
	return removed
}

// Health pings every tier.
func (a *Accessor[T, P]) Health(ctx context.Context) Health {
	h := Health{Kind: a.kind, Degraded: true}
	for _, tier := range a.durable {
		th := TierHealth{Name: tier.Name(), Reachable: true}
		if err := tier.Ping(ctx); err != nil {
			th.Reachable = false
			th.Error = err.Error()
		} else {
			h.Degraded = false
		}
		h.Tiers = append(h.Tiers, th)
	}
	h.Tiers = append(h.Tiers, TierHealth{Name: a.memory.Name(), Reachable: true})

	held, tombstones := a.memory.Len()
	h.Pending, h.Tombstones = held, tombstones
	if a.journal != nil {
		if n, err := a.journal.Count(ctx, a.kind); err == nil {
			h.Pending = n
		}
	}
	return h
}

// write tries the durable tiers in order and falls back to memory. Callers
// hold a.mu.
func (a *Accessor[T, P]) write(ctx context.Context, span trace.Span, rec T) WriteResult {
	key := P(&rec).Key()
	for i, tier := range a.durable {
		if err := tier.Put(ctx, rec); err != nil {
			a.tierFailed(ctx, span, tier, "put", err)
			continue
		}
		res := WriteResult{Tier: tier.Name(), Durability: DurabilityFallback}
		if i == 0 {
			res.Durability = DurabilityPrimary
			if a.propagate(ctx, span, rec) {
				a.memory.Forget(key)
			} else {
				// A lagging tier must not answer for key during a primary outage.
				_ = a.memory.Put(ctx, rec)
				a.enqueuePut(ctx, rec)
			}
		} else {
			// Reads must keep seeing this version until the primary has it.
			_ = a.memory.Put(ctx, rec)
			a.enqueuePut(ctx, rec)
		}
		span.SetAttributes(
			attribute.String("write.tier", res.Tier),
			attribute.String("write.durability", string(res.Durability)),
		)
		return res
	}

	_ = a.memory.Put(ctx, rec)
	a.enqueuePut(ctx, rec)
	a.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("record.kind", a.kind)))
	a.logger.WarnContext(ctx, "degraded mode: no durable tier accepted the write, held in memory", "key", key)

	span.SetAttributes(
		attribute.String("write.tier", a.memory.Name()),
		attribute.String("write.durability", string(DurabilityMemory)),
	)
	return WriteResult{Tier: a.memory.Name(), Durability: DurabilityMemory}
}

// propagate copies a primary write to the remaining durable tiers and
// reports whether all of them took it.
func (a *Accessor[T, P]) propagate(ctx context.Context, span trace.Span, rec T) bool {
	ok := true
	for _, tier := range a.durable[1:] {
		if err := tier.Put(ctx, rec); err != nil {
			ok = false
			span.AddEvent("tier.propagate_failed", trace.WithAttributes(attribute.String("tier.name", tier.Name())))
			a.logger.WarnContext(ctx, "propagation failed, journaled for the lagging tier",
				"tier", tier.Name(), "key", P(&rec).Key(), "error", err)
		}
	}
	return ok
}

// pendingFor reports whether the journal may still hold entries for key.
func (a *Accessor[T, P]) pendingFor(ctx context.Context, key string) bool {
	if a.journal == nil {
		return false
	}
	n, err := a.journal.CountKey(ctx, a.kind, key)
	if err != nil {
		a.logger.WarnContext(ctx, "journal lookup failed, assuming pending entries", "key", key, "error", err)
		return true
	}
	return n > 0
}

func (a *Accessor[T, P]) enqueuePut(ctx context.Context, rec T) {
	payload, err := json.Marshal(rec)
	if err != nil {
		a.logger.ErrorContext(ctx, "encode journal payload", "key", P(&rec).Key(), "error", err)
		return
	}
	a.enqueue(ctx, outbox.Entry{
		Kind:       a.kind,
		Key:        P(&rec).Key(),
		Op:         outbox.OpPut,
		Payload:    payload,
		RecordedAt: P(&rec).Updated(),
	})
}

func (a *Accessor[T, P]) enqueue(ctx context.Context, entry outbox.Entry) {
	if a.journal == nil {
		return
	}
	if _, err := a.journal.Append(ctx, entry); err != nil {
		a.logger.ErrorContext(ctx, "journal append failed, write will not be reconciled",
			"key", entry.Key, "op", entry.Op, "error", err)
	}
}

func (a *Accessor[T, P]) tierFailed(ctx context.Context, span trace.Span, tier Store[T], op string, err error) {
	span.AddEvent("tier.fallback", trace.WithAttributes(
		attribute.String("tier.name", tier.Name()),
		attribute.String("tier.op", op),
	))
	a.fallback.Add(ctx, 1, metric.WithAttributes(
		attribute.String("record.kind", a.kind),
		attribute.String("tier.name", tier.Name()),
	))
	a.logger.WarnContext(ctx, "tier unavailable", "tier", tier.Name(), "op", op, "error", err)
}

func (a *Accessor[T, P]) stamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

// isFrozen reports whether rec declares itself immutable.
func isFrozen[T any, P Record[T]](rec T) bool {
	f, ok := any(P(&rec)).(interface{ Frozen() bool })
	return ok && f.Frozen()
}
