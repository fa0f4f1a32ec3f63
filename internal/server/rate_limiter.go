package server

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// rateLimiter caps how many chat messages one connection may broadcast. A
// client may send burst messages back to back; after that it earns one more
// message every interval/burst. Messages over the limit are discarded by the
// read loop, and the client is not told.
//
// The state is a single "next allowed" instant (the generic cell rate
// algorithm) rather than a token count.
type rateLimiter struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	burst    int
	spacing  time.Duration
	tolerant time.Duration
	next     time.Time
}

func newRateLimiter(clk clock.PassiveClock, burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	spacing := interval / time.Duration(burst)
	if spacing <= 0 {
		spacing = time.Nanosecond
	}
	return &rateLimiter{
		clock:    clk,
		burst:    burst,
		spacing:  spacing,
		tolerant: spacing * time.Duration(burst),
		next:     clk.Now(),
	}
}

// allow reports whether one more message fits and, if so, books it.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	next := rl.next
	if next.Before(now) {
		next = now
	}
	next = next.Add(rl.spacing)
	if next.Sub(now) > rl.tolerant {
		return false
	}
	rl.next = next
	return true
}
