package bridge

import "sync"

// Waker parks at most one poller. Arm installs a fresh wake channel and
// returns it; Wake closes whichever channel is currently armed. Only the
// most recent Arm counts: earlier channels are abandoned unclosed, which is
// safe because a correct poller re-arms before every state inspection and
// never parks on a stale channel.
type Waker struct {
	mu sync.Mutex
	ch chan struct{}
}

// Arm replaces the armed channel and returns the new one. Callers must arm
// before checking the state they intend to park on; arming afterwards loses
// any wake that fires between the check and the park.
func (w *Waker) Arm() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ch = make(chan struct{})
	return w.ch
}

// Wake releases the currently parked poller, if any. Waking an unarmed
// Waker is a no-op.
func (w *Waker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
}
