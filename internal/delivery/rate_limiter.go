package delivery

import (
	"sync"
	"time"
)

// RateLimiter implements per-sender fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-sender state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string]*senderWindow
	now     func() time.Time
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit messages per window per sender
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		senders: make(map[string]*senderWindow),
		now:     time.Now,
	}
}

// Allow records one message from senderID and reports whether it is within the limit
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.senders[senderID]
	if !ok {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	// TECHNICAL DISCOVERY: Window resets exactly one window length after it opened
	if now.Sub(w.windowStart) >= rl.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup removes senders idle for longer than idle and returns how many were removed
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, w := range rl.senders {
		if now.Sub(w.windowStart) > idle {
			delete(rl.senders, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of senders currently tracked
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.senders)
}
