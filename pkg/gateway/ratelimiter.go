package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// FrameRateLimiter is a sliding-window limit on inbound frames for one
// connection.
type FrameRateLimiter struct {
	mu       sync.Mutex
	limit    int
	accepted []time.Time
	now      func() time.Time
}

// NewFrameRateLimiter allows up to perMinute frames in any one-minute
// window. A limit of zero or less disables limiting.
func NewFrameRateLimiter(perMinute int) *FrameRateLimiter {
	return &FrameRateLimiter{
		limit: perMinute,
		now:   time.Now,
	}
}

// Allow records a frame and reports whether it fits in the window.
// Rejected frames do not count against the window.
func (r *FrameRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit <= 0 {
		return true
	}
	now := r.now()
	r.prune(now)
	if len(r.accepted) >= r.limit {
		return false
	}
	r.accepted = append(r.accepted, now)
	return true
}

// SetLimit changes the per-minute limit
func (r *FrameRateLimiter) SetLimit(perMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = perMinute
}

// Count returns the frames accepted in the current window
func (r *FrameRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.accepted)
}

func (r *FrameRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	keep := 0
	for keep < len(r.accepted) && !r.accepted[keep].After(cutoff) {
		keep++
	}
	r.accepted = r.accepted[keep:]
}
