package bridge

import (
	"context"
	"sync/atomic"
)

// Stream bridges a callback-push producer to a pull-polling consumer. The
// producer methods (Publish, Fail, Complete) are wired up as the callbacks
// of an external registration; the consumer drains elements with Next.
//
// Rapid publishes coalesce: a poll observes only the most recent snapshot
// and everything older is dropped. Fail and Complete are terminal. A
// terminal error is yielded exactly once; after that, and after Complete,
// Next reports the stream exhausted forever without touching the producer
// side again.
type Stream[T any] struct {
	snap  Cell[T]
	term  Cell[error]
	done  atomic.Bool
	waker Waker
	sub   Subscription
}

// NewStream returns an empty stream ready to have its producer methods
// registered as callbacks.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{}
}

// Publish stores a snapshot, replacing any snapshot not yet polled, and
// wakes the poller. Publishes after the stream terminated are dropped.
func (s *Stream[T]) Publish(v T) {
	if s.done.Load() {
		return
	}
	s.snap.Put(v)
	s.waker.Wake()
}

// Fail records err as the terminal element and wakes the poller. The first
// terminal event wins; Fail after Complete (or Stop) is dropped.
func (s *Stream[T]) Fail(err error) {
	if err == nil || s.done.Load() {
		return
	}
	// Error first, done second: a poller that observes done must find the
	// error already in place.
	s.term.Put(err)
	s.done.Store(true)
	s.waker.Wake()
}

// Complete marks the stream exhausted and wakes the poller.
func (s *Stream[T]) Complete() {
	if s.done.Load() {
		return
	}
	s.done.Store(true)
	s.waker.Wake()
}

// Bind attaches the registration's deregistration handle; see
// Subscription.Bind.
func (s *Stream[T]) Bind(cancel func()) {
	s.sub.Bind(cancel)
}

// Next returns the next element, blocking until a snapshot arrives, the
// stream terminates, or ctx is canceled. It returns (v, true, nil) for a
// snapshot, (zero, false, err) exactly once when the stream failed, and
// (zero, false, nil) forever once the stream is exhausted. A ctx error is
// returned as-is and consumes no stream state.
func (s *Stream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		// Arm before inspecting anything: a wake that fires between the
		// inspection and the park must hit the channel we park on.
		wake := s.waker.Arm()

		if s.done.Load() {
			if err, ok := s.term.Take(); ok {
				return zero, false, err
			}
			return zero, false, nil
		}
		if v, ok := s.snap.Take(); ok {
			return v, true, nil
		}

		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-wake:
		}
	}
}

// Stop tears the stream down: the producer callbacks are deregistered
// exactly once, the stream is marked exhausted, and any parked poller is
// woken. Safe to call repeatedly and from any goroutine.
func (s *Stream[T]) Stop() {
	s.sub.Cancel()
	s.done.Store(true)
	s.waker.Wake()
}

// Stopped reports whether Stop has run.
func (s *Stream[T]) Stopped() bool {
	return s.sub.Canceled()
}
