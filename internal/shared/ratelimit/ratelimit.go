package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding window rate limiter.
type Limiter interface {
	// Allow reports whether one more request fits within the limit for
	// the given key and window, and records it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Remaining returns how many requests are left in the window.
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// MemoryLimiter is an in-process sliding window limiter for single-node
// deployments and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (m *MemoryLimiter) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.prune(key, window)
	if len(live) >= limit {
		m.entries[key] = live
		return false, nil
	}
	m.entries[key] = append(live, m.now())
	return true, nil
}

func (m *MemoryLimiter) Remaining(_ context.Context, key string, limit int, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.prune(key, window)
	m.entries[key] = live
	remaining := limit - len(live)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// prune drops timestamps older than the window. Caller holds the lock.
func (m *MemoryLimiter) prune(key string, window time.Duration) []time.Time {
	cutoff := m.now().Add(-window)
	stamps := m.entries[key]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	return live
}
