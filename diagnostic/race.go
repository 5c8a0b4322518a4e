package diagnostic

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

type settlement[T any] struct {
	val T
	err error
}

// race delivers the first settlement of an asynchronous operation and turns
// every later one into a no-op. Both the signaling and the peer connection
// probes race their success path against a timer through this primitive, so
// a slow success arriving after the timeout can never record a second
// result.
type race[T any] struct {
	ch  chan settlement[T]
	won *atomic.Bool
}

func newRace[T any]() *race[T] {
	return &race[T]{
		ch:  make(chan settlement[T], 1),
		won: atomic.NewBool(false),
	}
}

// settle reports whether this settlement won the race. A losing caller still
// owns whatever resource it carries and must release it itself.
func (r *race[T]) settle(val T, err error) bool {
	if !r.won.CompareAndSwap(false, true) {
		return false
	}
	r.ch <- settlement[T]{val: val, err: err}
	return true
}

// wait blocks until the first settlement, the timeout or ctx cancellation,
// whichever comes first. When the timer and a settlement fire close
// together the CAS decides: if the settlement got there first it is
// returned even though the timer channel is already readable.
func (r *race[T]) wait(ctx context.Context, timeout time.Duration) (val T, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-r.ch:
		return s.val, s.err
	case <-ctx.Done():
		if r.won.CompareAndSwap(false, true) {
			return val, ctx.Err()
		}
		s := <-r.ch
		return s.val, s.err
	case <-timer.C:
		if r.won.CompareAndSwap(false, true) {
			return val, ErrTimeout
		}
		s := <-r.ch
		return s.val, s.err
	}
}
