package gateway

import (
	"sync"
	"time"
)

// RateLimiter caps signaling traffic per sender so one misbehaving device
// cannot flood a tenant's teachers with offer/ice spam.
// FUNCTIONAL DISCOVERY: Fixed one-minute windows give an exact
// messages-per-minute bound without token bucket bookkeeping
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	senders map[string]*senderWindow
}

// senderWindow tracks one sender's current window.
type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per minute
// per sender.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		senders: make(map[string]*senderWindow),
	}
}

// Allow reports whether the sender may send another message now.
func (rl *RateLimiter) Allow(senderKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	window, exists := rl.senders[senderKey]
	if !exists {
		rl.senders[senderKey] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(window.windowStart) >= time.Minute {
		window.count = 1
		window.windowStart = now
		return true
	}

	if window.count >= rl.limit {
		return false
	}

	window.count++
	return true
}

// Cleanup removes senders idle for more than five minutes. Called
// periodically so disconnected devices do not accumulate.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, window := range rl.senders {
		if now.Sub(window.windowStart) > 5*time.Minute {
			delete(rl.senders, key)
		}
	}
}
