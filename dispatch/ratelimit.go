/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package dispatch

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter on process launches. It spaces
// our own spawns out so the CLI's provider sees a steady trickle instead
// of bursts that trip its 429s.
type RateLimiter struct {
	maxRequests   int
	periodSeconds int
	requests      []time.Time
	mu            sync.Mutex
}

// NewRateLimiter creates a limiter allowing maxRequests per periodSeconds.
func NewRateLimiter(maxRequests, periodSeconds int) *RateLimiter {
	return &RateLimiter{
		maxRequests:   maxRequests,
		periodSeconds: periodSeconds,
		requests:      make([]time.Time, 0, maxRequests),
	}
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Duration(r.periodSeconds) * time.Second)
	valid := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.requests = valid
}

// Wait blocks until the limit allows a new request or ctx is cancelled.
// It returns the time waited.
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration

	for {
		r.mu.Lock()
		now := time.Now()
		r.prune(now)

		if len(r.requests) < r.maxRequests {
			r.requests = append(r.requests, now)
			r.mu.Unlock()
			return waited, nil
		}

		// Wait until the oldest recorded request leaves the window, then
		// re-check occupancy: another waiter released at the same moment
		// may have taken the slot. The lock is released during the wait.
		oldest := r.requests[0]
		waitDuration := oldest.Add(time.Duration(r.periodSeconds) * time.Second).Sub(now)
		r.mu.Unlock()

		if waitDuration > 0 {
			select {
			case <-time.After(waitDuration):
				waited += waitDuration
			case <-ctx.Done():
				return waited, ctx.Err()
			}
		}
	}
}

// Available returns how many requests remain in the current window.
func (r *RateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return r.maxRequests - len(r.requests)
}
