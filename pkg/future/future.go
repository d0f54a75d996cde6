// Package future provides single-assignment futures used for every engine
// round trip, plus the ordered join used by multiplexed calls.
package future

import (
	"context"
	"fmt"
	"sync"
)

// Awaiter is the type-erased view of a Future used by components that store
// futures of different result types side by side.
type Awaiter interface {
	// Done is closed once the future is resolved or failed.
	Done() <-chan struct{}
	// Outcome returns the value or failure. Only meaningful after Done.
	Outcome() (any, error)
}

// Future is a value that becomes available later. It is resolved or failed
// exactly once; later attempts are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New creates an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed creates a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Resolve completes the future with v. It returns false if the future was
// already complete.
func (f *Future[T]) Resolve(v T) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		ok = true
	})
	return ok
}

// Fail completes the future with err. It returns false if the future was
// already complete.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = fmt.Errorf("future failed with nil error")
	}
	ok := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Done returns a channel closed on completion.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	if !f.IsDone() {
		return v, false, nil
	}
	return f.val, true, f.err
}

// Wait blocks until completion or until ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Outcome implements Awaiter.
func (f *Future[T]) Outcome() (any, error) {
	<-f.done
	if f.err != nil {
		return nil, f.err
	}
	return f.val, nil
}

// Then derives a future from f by applying fn to its value. Failures pass
// through untouched.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		<-f.done
		if f.err != nil {
			out.Fail(f.err)
			return
		}
		u, err := fn(f.val)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Resolve(u)
	}()
	return out
}
