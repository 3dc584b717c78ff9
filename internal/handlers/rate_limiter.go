package handlers

import (
	"strings"
	"sync"
	"time"
)

// attemptLimiter throttles repeated attempts, such as coupon code guesses, per requester.
type attemptLimiter interface {
	Allow(key string) bool
}

type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]attemptWindow
}

type attemptWindow struct {
	attempts int
	resetAt  time.Time
}

// newWindowLimiter returns nil when limit or window is not positive, which disables throttling.
func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) attemptLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{limit: limit, window: window, clock: clock, windows: make(map[string]attemptWindow)}
}

func (l *windowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		l.evictExpiredLocked(now)
		l.windows[key] = attemptWindow{attempts: 1, resetAt: now.Add(l.window)}
		return true
	}
	if current.attempts >= l.limit {
		return false
	}
	current.attempts++
	l.windows[key] = current
	return true
}

func (l *windowLimiter) evictExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
