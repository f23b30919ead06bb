package tiered

import (
	"context"
	"fmt"
	"sync"
)

// Faulty wraps a tier with a switchable outage. Resilience drills and tests
// use it to take a tier away without touching the backing store.
type Faulty[T any] struct {
	next Store[T]

	mu  sync.RWMutex
	err error
}

func NewFaulty[T any](next Store[T]) *Faulty[T] {
	return &Faulty[T]{next: next}
}

// Fail makes every call return err until Heal is called.
func (f *Faulty[T]) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("%w: %s: injected outage", ErrUnavailable, f.next.Name())
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Faulty[T]) Heal() {
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
}

func (f *Faulty[T]) Failing() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err != nil
}

func (f *Faulty[T]) fault() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

func (f *Faulty[T]) Name() string { return f.next.Name() }

func (f *Faulty[T]) List(ctx context.Context) ([]T, error) {
	if err := f.fault(); err != nil {
		return nil, err
	}
	return f.next.List(ctx)
}

func (f *Faulty[T]) Get(ctx context.Context, key string) (T, error) {
	if err := f.fault(); err != nil {
		var zero T
		return zero, err
	}
	return f.next.Get(ctx, key)
}

func (f *Faulty[T]) Put(ctx context.Context, rec T) error {
	if err := f.fault(); err != nil {
		return err
	}
	return f.next.Put(ctx, rec)
}

func (f *Faulty[T]) Delete(ctx context.Context, key string) error {
	if err := f.fault(); err != nil {
		return err
	}
	return f.next.Delete(ctx, key)
}

func (f *Faulty[T]) Ping(ctx context.Context) error {
	if err := f.fault(); err != nil {
		return err
	}
	return f.next.Ping(ctx)
}
