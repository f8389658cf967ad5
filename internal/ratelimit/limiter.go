// Package ratelimit gates requests per (client, endpoint) with a fixed window. Once a key
// exceeds its budget it stays denied until the window that started with its first request ends.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter is implemented by the in-process and Redis limiters.
type Limiter interface {
	Allow(ctx context.Context, clientKey, endpoint string) Decision
}

type window struct {
	count   int
	start   time.Time
	blocked bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*window
}

// MemoryLimiter keeps windows in process memory. State is lost on restart, and each instance
// counts independently.
type MemoryLimiter struct {
	shards [shardCount]shard
	max    int
	window time.Duration
	now    func() time.Time
}

// Option configures a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter allows max requests per key within each window.
func NewMemoryLimiter(max int, windowLen time.Duration, opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{max: max, window: windowLen, now: time.Now}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*window)
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func windowKey(clientKey, endpoint string) string {
	return clientKey + "\x00" + endpoint
}

func (l *MemoryLimiter) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Allow records one request for (clientKey, endpoint) and reports whether it may proceed.
func (l *MemoryLimiter) Allow(_ context.Context, clientKey, endpoint string) Decision {
	key := windowKey(clientKey, endpoint)
	s := l.shard(key)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok || now.Sub(w.start) > l.window {
		s.entries[key] = &window{count: 1, start: now}
		return Decision{Allowed: true, Limit: l.max, Remaining: remaining(l.max, 1)}
	}
	w.count++
	if w.count > l.max {
		w.blocked = true
	}
	if w.blocked {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: w.start.Add(l.window).Sub(now),
		}
	}
	return Decision{Allowed: true, Limit: l.max, Remaining: remaining(l.max, w.count)}
}

// Sweep drops windows that have ended and returns how many were dropped.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, w := range s.entries {
			if now.Sub(w.start) > l.window {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func remaining(max, count int) int {
	if count >= max {
		return 0
	}
	return max - count
}
