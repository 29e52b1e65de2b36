// Package ratelimit bounds request rates per session or client address
// with fixed-window counters. The assistant endpoint keys on the
// session id when present and the caller address otherwise.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

func decide(used, limit int, resetAt time.Time) Decision {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used <= limit,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

type window struct {
	used    int
	resetAt time.Time
}

// MemoryLimiter counts in process memory. It is the default when no
// redis is configured and the fallback when redis is down.
type MemoryLimiter struct {
	mu      sync.Mutex
	span    time.Duration
	windows map[string]window
}

func NewMemory(span time.Duration) *MemoryLimiter {
	if span <= 0 {
		span = time.Minute
	}
	return &MemoryLimiter{span: span, windows: make(map[string]window)}
}

func (l *MemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
	w, live := l.windows[key]
	if !live || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.span)}
	}
	w.used++
	l.windows[key] = w
	return decide(w.used, limit, w.resetAt)
}
