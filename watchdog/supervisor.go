/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package watchdog enforces the two timeout regimes of a supervised
// process: a rolling inactivity limit that is pushed back every time the
// process produces output, and an absolute ceiling on total runtime that
// nothing can extend.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tenwall/Conduit/global"
)

// Cancellation causes. The supervisor is the only writer of its context's
// cancel cause; callers read it back with context.Cause.
var (
	ErrRollingTimeout  = errors.New("no output within the inactivity limit")
	ErrAbsoluteTimeout = errors.New("maximum execution time exceeded")
)

// State describes the lifecycle of a supervised execution.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
	StateRollingTimedOut  State = "rolling_timed_out"
	StateAbsoluteTimedOut State = "absolute_timed_out"
)

// Supervisor watches a single execution. It is not reusable; create a new
// one per process run.
type Supervisor struct {
	mu       sync.Mutex
	rolling  time.Duration
	absolute time.Duration
	window   time.Duration
	state    State
	throttle *Throttle
	absTimer *time.Timer
	cancel   context.CancelCauseFunc

	startedAt    time.Time
	lastActivity time.Time
}

// NewSupervisor validates the timeout pair and returns a supervisor.
// Both values are bounds-checked and the absolute timeout must exceed the
// rolling one, since an absolute ceiling below the inactivity limit could
// never be the later of the two to fire.
func NewSupervisor(rollingMs, absoluteMs int) (*Supervisor, error) {
	if rollingMs < global.MinRollingTimeoutMs || rollingMs > global.MaxRollingTimeoutMs {
		return nil, global.NewConfigurationError(
			"rolling timeout %dms out of range [%d, %d]",
			rollingMs, global.MinRollingTimeoutMs, global.MaxRollingTimeoutMs)
	}
	if absoluteMs < global.MinAbsoluteTimeoutMs || absoluteMs > global.MaxAbsoluteTimeoutMs {
		return nil, global.NewConfigurationError(
			"absolute timeout %dms out of range [%d, %d]",
			absoluteMs, global.MinAbsoluteTimeoutMs, global.MaxAbsoluteTimeoutMs)
	}
	if absoluteMs <= rollingMs {
		return nil, global.NewConfigurationError(
			"absolute timeout %dms must be greater than rolling timeout %dms",
			absoluteMs, rollingMs)
	}

	return newSupervisor(
		time.Duration(rollingMs)*time.Millisecond,
		time.Duration(absoluteMs)*time.Millisecond,
		global.ThrottleWindowMs*time.Millisecond), nil
}

func newSupervisor(rolling, absolute, window time.Duration) *Supervisor {
	return &Supervisor{
		rolling:  rolling,
		absolute: absolute,
		window:   window,
		state:    StateIdle,
	}
}

// Start arms both timers and returns a context that is cancelled when
// either fires, with the corresponding cause. Start may be called once.
func (s *Supervisor) Start(parent context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		panic("watchdog: supervisor started twice")
	}

	ctx, cancel := context.WithCancelCause(parent)
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.lastActivity = s.startedAt

	s.throttle = NewThrottle(s.rolling, s.window, s.onRollingExpired)
	s.throttle.Start()
	s.absTimer = time.AfterFunc(s.absolute, s.onAbsoluteExpired)

	return ctx
}

// NotifyActivity records process output and pushes the rolling timer back.
// The absolute timer is never affected.
func (s *Supervisor) NotifyActivity() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	throttle := s.throttle
	s.mu.Unlock()

	// Reset outside the lock; the throttle has its own.
	throttle.Reset()
}

// Stop marks the execution finished and disarms both timers. Safe to call
// after a timeout has already fired, in which case the state is unchanged.
func (s *Supervisor) Stop() {
	s.settle(StateCompleted)
}

// Cancel marks the execution cancelled on behalf of the caller. Like Stop
// it is a no-op once a timeout has settled the state.
func (s *Supervisor) Cancel() {
	s.settle(StateCancelled)
}

func (s *Supervisor) settle(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateRunning {
		s.state = state
	}
	s.disarm()
	if s.cancel != nil {
		// Release the context. The first cancel wins, so a timeout cause
		// recorded before Stop is preserved.
		s.cancel(context.Canceled)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns how long the execution has been running.
func (s *Supervisor) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return 0
	}
	return time.Since(s.startedAt)
}

// IdleFor returns the time since the last recorded activity.
func (s *Supervisor) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return 0
	}
	return time.Since(s.lastActivity)
}

func (s *Supervisor) onRollingExpired() {
	s.expire(StateRollingTimedOut, ErrRollingTimeout)
}

func (s *Supervisor) onAbsoluteExpired() {
	s.expire(StateAbsoluteTimedOut, ErrAbsoluteTimeout)
}

// expire transitions to a timed-out state exactly once. Whichever timer
// fires first wins; the loser finds the state already settled and returns.
func (s *Supervisor) expire(state State, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = state
	s.disarm()
	s.cancel(cause)
}

func (s *Supervisor) disarm() {
	if s.throttle != nil {
		s.throttle.Clear()
	}
	if s.absTimer != nil {
		s.absTimer.Stop()
	}
}
