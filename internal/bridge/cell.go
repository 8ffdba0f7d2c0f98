package bridge

import "sync"

// Cell is a single-slot mailbox shared between a producer and a consumer.
// Put always overwrites: pollers only care about the most recent value, so
// anything not yet taken is meant to be dropped.
type Cell[T any] struct {
	mu   sync.Mutex
	val  T
	full bool
}

// Put stores v, silently replacing any value not yet taken.
func (c *Cell[T]) Put(v T) {
	c.mu.Lock()
	c.val = v
	c.full = true
	c.mu.Unlock()
}

// Take removes and returns the stored value. The boolean is false when the
// cell is empty.
func (c *Cell[T]) Take() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if !c.full {
		return zero, false
	}
	v := c.val
	c.val = zero
	c.full = false
	return v, true
}

// Peek returns the stored value without clearing the cell.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.full
}
