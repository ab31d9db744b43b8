/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package watchdog

import (
	"sync"
	"time"
)

// Throttle is a single-shot timer whose resets are coalesced. Re-arming a
// pending timer allocates a new runtime timer each time, which is wasteful
// when activity arrives in bursts, so resets that land within the throttle
// window of the last arm are dropped. After a Reset the callback fires no
// earlier than delay after the last arm and no later than delay plus the
// window after the reset.
type Throttle struct {
	mu       sync.Mutex
	delay    time.Duration
	window   time.Duration
	callback func()
	timer    *time.Timer
	armedAt  time.Time
	cleared  bool
}

// NewThrottle creates a throttled timer. The callback runs on the timer's
// goroutine once the delay elapses without an effective reset.
func NewThrottle(delay, window time.Duration, callback func()) *Throttle {
	return &Throttle{
		delay:    delay,
		window:   window,
		callback: callback,
	}
}

// Start arms the timer unconditionally, replacing any pending one and
// undoing a previous Clear.
func (t *Throttle) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleared = false
	t.arm()
}

// Reset re-arms the timer unless the last arm was within the throttle
// window, in which case the pending timer is left as is. A timer that has
// already fired is re-armed; one stopped by Clear stays stopped until the
// next Start.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleared {
		return
	}
	if t.timer != nil && time.Since(t.armedAt) < t.window {
		return
	}
	t.arm()
}

// Clear stops the timer. A callback that has already started may still run;
// callers guard against that with their own state.
func (t *Throttle) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleared = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether the timer is armed.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Throttle) arm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armedAt = time.Now()
	t.timer = time.AfterFunc(t.delay, t.fire)
}

func (t *Throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()
	t.callback()
}
