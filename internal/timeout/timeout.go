// Package timeout implements the Interaction Timeout (spec C2): a single
// restartable timer that fires "user idle" and is treated identically to
// a popup-closed event.
package timeout

import (
	"sync"
	"time"
)

// Reason is the fixed message carried when the timer fires.
const Reason = "Interaction timeout"

// Timer wraps a time.Timer with restart/stop semantics safe for
// concurrent use. A zero duration disables it entirely: Start/Restart
// become no-ops and OnExpire never fires.
type Timer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	onExpire func(reason string)
	stopped  bool
}

// New creates a Timer with the given duration and expiry callback. A
// duration of 0 disables the timer.
func New(duration time.Duration, onExpire func(reason string)) *Timer {
	return &Timer{duration: duration, onExpire: onExpire}
}

// Start begins the timer if enabled. Safe to call multiple times; each
// call restarts the countdown.
func (t *Timer) Start() {
	t.Restart()
}

// Restart resets the countdown to the full duration, starting it if not
// already running. A no-op when disabled (duration == 0) or after Stop.
func (t *Timer) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.duration <= 0 || t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.duration, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	cb := t.onExpire
	t.mu.Unlock()
	if stopped || cb == nil {
		return
	}
	cb(Reason)
}

// Stop halts the timer for the lifetime of the call that owns it right
// now. Must be reachable from every exit path of that call (resource-
// release invariant). The Interaction Timeout is constructed once at
// process start and reused across calls, so Arm undoes Stop for the
// next call rather than this being a true one-way shutdown.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Arm clears a prior Stop so the timer can be started/restarted again by
// the next call. A no-op if the timer was never stopped.
func (t *Timer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
}

// IsStopped reports whether Stop has been called (test/invariant hook).
func (t *Timer) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
