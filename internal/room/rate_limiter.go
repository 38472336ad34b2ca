package room

import (
	"sync"
	"time"
)

// RateLimiter caps chat posts per user within a fixed window
// ARCHITECTURAL DISCOVERY: Keyed by user, not connection, so opening more tabs
// does not multiply the allowance
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit posts per window; non-positive values fall back to 100 per minute
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
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records one post for userID and reports whether it fits the window
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	cl, exists := rl.clients[userID]
	if !exists || now.Sub(cl.windowStart) >= rl.window {
		rl.clients[userID] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	if cl.count >= rl.limit {
		return false
	}
	cl.count++
	return true
}

// Cleanup drops users whose window ended long ago
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, cl := range rl.clients {
		if now.Sub(cl.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
