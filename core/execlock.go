package core

import (
	"sync"
	"time"

	"pkt.systems/codedock/schema"
)

// ExecLock admits at most one run per project at a time. Acquire is a
// compare-and-set so two concurrent runs on the same project cannot both
// win, and releasing a lock that was never held is harmless.
type ExecLock struct {
	mu     sync.Mutex
	locked map[schema.ProjectID]bool
}

// NewExecLock constructs an ExecLock.
func NewExecLock() *ExecLock {
	return &ExecLock{locked: make(map[schema.ProjectID]bool)}
}

// TryAcquire attempts to take the project's run slot without blocking.
func (l *ExecLock) TryAcquire(projectID schema.ProjectID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[projectID] {
		return false
	}
	l.locked[projectID] = true
	return true
}

// Release frees the project's run slot.
func (l *ExecLock) Release(projectID schema.ProjectID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, projectID)
}

// RateLimiter enforces a sliding-window cap on run attempts per project.
// Only admitted runs are recorded, so rejected attempts never consume
// window capacity.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps map[schema.ProjectID][]time.Time
	now    func() time.Time
}

// NewRateLimiter constructs a limiter admitting max runs per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		stamps: make(map[schema.ProjectID][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether another run is admitted right now and, if so,
// records it. Timestamps older than the window are evicted first.
func (r *RateLimiter) Allow(projectID schema.ProjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	stamps := r.stamps[projectID]
	kept := stamps[:0]
	for _, stamp := range stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	if len(kept) >= r.max {
		r.stamps[projectID] = kept
		return false
	}
	r.stamps[projectID] = append(kept, now)
	return true
}
