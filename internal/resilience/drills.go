// Package resilience holds the storage outage drills run by cmd/chaos.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"memberboard/internal/app"
	"memberboard/internal/community"
	"memberboard/pkg/chaos"
)

var ErrNoFaults = errors.New("stack was built without fault injection")

// Options tunes the drills.
type Options struct {
	Duration    time.Duration
	SampleEvery time.Duration
	// RecoverWithin bounds how long the journal drain may take after healing.
	RecoverWithin time.Duration
	Logger        *slog.Logger
}

// Drills probes a stack through the community service. Every member it
// submits is remembered and must stay readable.
type Drills struct {
	stack  *app.Stack
	svc    community.Service
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	probes []string
}

func New(stack *app.Stack, svc community.Service, opts Options) (*Drills, error) {
	if stack.Faults == nil {
		return nil, ErrNoFaults
	}
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = time.Second
	}
	if opts.RecoverWithin <= 0 {
		opts.RecoverWithin = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Drills{stack: stack, svc: svc, opts: opts, logger: opts.Logger.With("component", "drills")}, nil
}

// Experiments returns the primary and total outage drills.
func (d *Drills) Experiments() []chaos.Experiment {
	return []chaos.Experiment{
		d.experiment("primary-outage",
			"Writes land on the fallback or memory tier while the primary is down, and reach it after recovery",
			chaos.Action{Type: "fail-tier", Target: "primary", Execute: d.act(d.stack.Faults.PrimaryDown)}),
		d.experiment("total-outage",
			"Writes are held in memory while every durable tier is down, stay readable, and are reconciled after recovery",
			chaos.Action{Type: "fail-tier", Target: "all", Execute: d.act(d.stack.Faults.AllDown)}),
	}
}

func (d *Drills) experiment(name, hypothesis string, inject chaos.Action) chaos.Experiment {
	return chaos.Experiment{
		Name:        name,
		Hypothesis:  hypothesis,
		SteadyState: d.metrics(),
		Method:      []chaos.Action{inject},
		Rollback:    []chaos.Action{{Type: "heal-tier", Target: "all", Execute: d.act(d.stack.Faults.HealAll)}},
		Recover:     []chaos.Action{{Type: "drain", Target: "journal", Execute: d.drain}},
		Validation: []chaos.Assertion{
			{Metric: "write_acceptance", Condition: func(v float64) bool { return v == 100 }, Message: "every probe write is accepted"},
			{Metric: "read_availability", Condition: func(v float64) bool { return v == 100 }, Message: "every accepted write is readable"},
			{Metric: "pending_entries", Condition: func(v float64) bool { return v == 0 }, Message: "the journal drains after recovery"},
		},
		Duration:    d.opts.Duration,
		SampleEvery: d.opts.SampleEvery,
	}
}

func (d *Drills) metrics() []chaos.Metric {
	return []chaos.Metric{
		{Name: "write_acceptance", Query: d.writeAcceptance, Threshold: chaos.Threshold{Operator: "==", Value: 100}},
		{Name: "read_availability", Query: d.readAvailability, Threshold: chaos.Threshold{Operator: "==", Value: 100}},
		{Name: "pending_entries", Query: d.pendingEntries, Threshold: chaos.Threshold{Operator: "==", Value: 0}},
	}
}

// writeAcceptance submits one probe member and reports 100 when it was
// accepted by any tier.
func (d *Drills) writeAcceptance(ctx context.Context) (float64, error) {
	m, res, err := d.svc.SubmitMember(ctx, community.SubmitMemberRequest{
		Name:        "drill probe",
		Role:        "probe",
		Description: "written by the resilience drills",
	})
	if err != nil {
		d.logger.WarnContext(ctx, "probe write rejected", "error", err)
		return 0, nil
	}
	d.mu.Lock()
	d.probes = append(d.probes, m.ID)
	d.mu.Unlock()
	d.logger.DebugContext(ctx, "probe write accepted", "member_id", m.ID, "durability", res.Durability)
	return 100, nil
}

// readAvailability is the percentage of accepted probes that can be read
// back.
func (d *Drills) readAvailability(ctx context.Context) (float64, error) {
	d.mu.Lock()
	probes := append([]string(nil), d.probes...)
	d.mu.Unlock()
	if len(probes) == 0 {
		return 100, nil
	}

	found := 0
	for _, id := range probes {
		if _, err := d.svc.GetMember(ctx, id); err == nil {
			found++
		}
	}
	return float64(found) * 100 / float64(len(probes)), nil
}

func (d *Drills) pendingEntries(ctx context.Context) (float64, error) {
	total := 0
	for _, kind := range []string{d.stack.Members.Kind(), d.stack.Codes.Kind()} {
		n, err := d.stack.Journal.Count(ctx, kind)
		if err != nil {
			return 0, fmt.Errorf("count %s entries: %w", kind, err)
		}
		total += n
	}
	return float64(total), nil
}

// drain replays the journals until they are empty, waiting out an open
// circuit breaker with exponential backoff.
func (d *Drills) drain(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.stack.Reconciler.Drain(ctx); err != nil {
			return struct{}{}, err
		}
		pending, err := d.pendingEntries(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if pending > 0 {
			return struct{}{}, fmt.Errorf("%v journal entries still pending", pending)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(d.opts.RecoverWithin))
	return err
}

// Cleanup deletes every probe member.
func (d *Drills) Cleanup(ctx context.Context) int {
	d.mu.Lock()
	probes := d.probes
	d.probes = nil
	d.mu.Unlock()

	removed := 0
	for _, id := range probes {
		if d.svc.DeleteMember(ctx, id) {
			removed++
		}
	}
	return removed
}

func (d *Drills) act(f func()) func(context.Context) error {
	return func(context.Context) error {
		f()
		return nil
	}
}
