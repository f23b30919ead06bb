package tiered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker in front of a tier.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
}

// Breaker guards a tier with a circuit breaker so an outage is detected once
// and later calls fail fast. Not-found and malformed-record answers count as
// successes since the tier did respond.
type Breaker[T any] struct {
	next Store[T]
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker[T any](next Store[T], settings BreakerSettings, logger *slog.Logger) *Breaker[T] {
	if settings.Failures == 0 {
		settings.Failures = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Breaker[T]{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        next.Name(),
			MaxRequests: 1,
			Timeout:     settings.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.Failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) ||
					errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "component", "tiered", "tier", name,
					"from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *Breaker[T]) Name() string { return b.next.Name() }

// State reports the breaker state, "closed", "half-open" or "open".
func (b *Breaker[T]) State() string { return b.cb.State().String() }

func (b *Breaker[T]) List(ctx context.Context) ([]T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.List(ctx)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return v.([]T), nil
}

func (b *Breaker[T]) Get(ctx context.Context, key string) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		var zero T
		return zero, b.wrap(err)
	}
	return v.(T), nil
}

func (b *Breaker[T]) Put(ctx context.Context, rec T) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, rec)
	})
	return b.wrap(err)
}

func (b *Breaker[T]) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return b.wrap(err)
}

// Ping bypasses the breaker so health checks always see the real tier.
func (b *Breaker[T]) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker[T]) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, b.next.Name(), err)
	}
	return err
}
