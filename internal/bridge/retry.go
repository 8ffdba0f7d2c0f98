package bridge

import (
	"context"
	"fmt"
	"sync"
)

// PanicError carries a value recovered from a panicking attempt so callers
// can inspect it without losing its dynamic type.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("attempt panicked: %v", e.Value)
}

// Retry adapts a mutation func for a backend-owned retry loop. The loop may
// invoke Attempt several times before it settles, each time with a fresh
// handle, but never concurrently: every attempt takes exclusive access to
// the wrapped func, and an overlapping attempt panics to flag the contract
// violation at the call site instead of corrupting captured state.
type Retry[H any] struct {
	mu sync.Mutex
	fn func(context.Context, H) ([]byte, error)
}

// NewRetry wraps fn for use as a retry-loop attempt body.
func NewRetry[H any](fn func(context.Context, H) ([]byte, error)) *Retry[H] {
	return &Retry[H]{fn: fn}
}

// Attempt runs one attempt against h. A panic inside the wrapped func is
// recovered and returned as *PanicError so the loop settles with the thrown
// value intact rather than unwinding the caller.
func (r *Retry[H]) Attempt(ctx context.Context, h H) (out []byte, err error) {
	if !r.mu.TryLock() {
		panic("bridge: overlapping retry attempts")
	}
	defer r.mu.Unlock()
	defer func() {
		if v := recover(); v != nil {
			out, err = nil, &PanicError{Value: v}
		}
	}()
	return r.fn(ctx, h)
}
