package bridge

import "sync"

// Subscription guards a deregistration handle so it runs exactly once no
// matter how many goroutines request teardown. Registration APIs can start
// delivering callbacks before the handle is in hand, so Bind tolerates
// arriving after Cancel: the handle is invoked immediately in that case and
// the registration is still torn down exactly once.
type Subscription struct {
	mu       sync.Mutex
	cancel   func()
	canceled bool
}

// Bind attaches the deregistration handle. Binding twice replaces the
// handle; binding after Cancel runs the handle before returning.
func (s *Subscription) Bind(cancel func()) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel invokes the bound handle. Only the first call has any effect.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Canceled reports whether Cancel has been called.
func (s *Subscription) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}
