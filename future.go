package flowtrace

import (
	"context"
	"sync"
)

// Awaitable is the capability a returned value may satisfy to mark an
// invocation as asynchronous. The wrapper attaches continuations through
// OnSettled and returns the handle to the caller untouched; it never blocks
// waiting for settlement.
//
// Implementations must invoke exactly one of the two callbacks, exactly
// once, when the underlying work completes. Continuations attached after
// settlement run immediately in the attaching goroutine.
type Awaitable interface {
	OnSettled(fulfilled func(result any), rejected func(err error))
}

// Future is a single-settlement asynchronous handle. The zero value is not
// usable; construct with NewFuture or Go.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	result    T
	err       error
	callbacks []func(T, error)
}

// NewFuture creates an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn in its own goroutine and returns a future settled by its
// outcome. This is caller-provided concurrency: the tracing engine itself
// never spawns goroutines for user code.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}()
	return f
}

// Complete settles the future with a value. Settling more than once is a
// no-op.
func (f *Future[T]) Complete(v T) {
	f.settle(v, nil)
}

// Fail settles the future with an error. Settling more than once is a
// no-op.
func (f *Future[T]) Fail(err error) {
	var zero T
	f.settle(zero, err)
}

// Await blocks until settlement or context cancellation.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSettled implements Awaitable.
func (f *Future[T]) OnSettled(fulfilled func(result any), rejected func(err error)) {
	cb := func(v T, err error) {
		if err != nil {
			if rejected != nil {
				rejected(err)
			}
			return
		}
		if fulfilled != nil {
			fulfilled(v)
		}
	}

	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.result, f.err
	f.mu.Unlock()

	cb(v, err)
}

func (f *Future[T]) settle(v T, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.result = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
}
