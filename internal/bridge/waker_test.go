package bridge

import "testing"

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestWakerWakesArmedChannel(t *testing.T) {
	t.Parallel()

	var w Waker
	ch := w.Arm()
	if closed(ch) {
		t.Fatal("freshly armed channel must be open")
	}
	w.Wake()
	if !closed(ch) {
		t.Fatal("Wake() must close the armed channel")
	}
}

func TestWakerLatestArmWins(t *testing.T) {
	t.Parallel()

	var w Waker
	stale := w.Arm()
	current := w.Arm()
	w.Wake()

	if !closed(current) {
		t.Fatal("most recent armed channel must be closed by Wake()")
	}
	if closed(stale) {
		t.Fatal("stale channel must be abandoned open, not closed")
	}
}

func TestWakerWakeWithoutArm(t *testing.T) {
	t.Parallel()

	var w Waker
	w.Wake() // no-op
	w.Wake()

	ch := w.Arm()
	if closed(ch) {
		t.Fatal("earlier wakes must not leak into a later Arm")
	}
}

func TestWakerWakeIsOneShot(t *testing.T) {
	t.Parallel()

	var w Waker
	ch := w.Arm()
	w.Wake()
	w.Wake() // second wake has nothing armed; must not panic
	if !closed(ch) {
		t.Fatal("armed channel should be closed")
	}
}
