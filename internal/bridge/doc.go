// Package bridge adapts callback-push subsystems to pull-based consumers.
// Backends deliver state through registered callbacks (snapshot, error,
// completion) and hand back a deregistration handle; Go callers want to
// poll. The pieces here are the glue: a latest-wins Cell, a single-poller
// Waker, an exactly-once Subscription, the Stream that composes them into
// a pollable sequence, and a Retry wrapper for backend-owned retry loops.
package bridge
