package gateway

import (
	"context"
	"sync"
	"time"
)

// FixedWindowLimiter caps sends per fixed window. Wait blocks until a slot
// is available; it never rejects. Callers bound the wait with their context.
type FixedWindowLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{limit: limit, window: window}
}

// Allow claims a slot if one is free in the current window. Unlike Wait it
// never blocks; callers that can reject (e.g. an HTTP 429) use this.
func (l *FixedWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count < l.limit {
		l.count++
		return true
	}
	return false
}

// Wait claims one slot in the current window, sleeping across window
// boundaries until one opens up.
func (l *FixedWindowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		sleep := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
