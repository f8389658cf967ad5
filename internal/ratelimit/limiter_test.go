package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryLimiter_SixtyFirstRequestDenied(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(60, 60*time.Second, WithClock(clock.Now))

	for i := 1; i <= 60; i++ {
		d := l.Allow(context.Background(), "10.0.0.1", "/api/users")
		require.Truef(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 60-i, d.Remaining)
		clock.Advance(500 * time.Millisecond)
	}
	d := l.Allow(context.Background(), "10.0.0.1", "/api/users")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestMemoryLimiter_BlockHoldsUntilWindowEnds(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewMemoryLimiter(2, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "c", "e").Allowed)
	assert.True(t, l.Allow(ctx, "c", "e").Allowed)
	assert.False(t, l.Allow(ctx, "c", "e").Allowed)

	// Traffic stops, but the block is not lifted early.
	clock.Advance(59 * time.Second)
	assert.False(t, l.Allow(ctx, "c", "e").Allowed)
	clock.Advance(time.Second)
	assert.False(t, l.Allow(ctx, "c", "e").Allowed, "window resets only strictly after its size")

	clock.Advance(time.Millisecond)
	d := l.Allow(ctx, "c", "e")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "a", "/login").Allowed)
	assert.False(t, l.Allow(ctx, "a", "/login").Allowed)
	assert.True(t, l.Allow(ctx, "a", "/refresh").Allowed)
	assert.True(t, l.Allow(ctx, "b", "/login").Allowed)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	l := NewMemoryLimiter(5, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Allow(ctx, fmt.Sprintf("client-%d", i), "/e")
	}
	clock.Advance(30 * time.Second)
	l.Allow(ctx, "late", "/e")
	require.Equal(t, 11, l.Len())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 10, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLimiter_ConcurrentExactBudget(t *testing.T) {
	l := NewMemoryLimiter(100, time.Hour)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Allow(context.Background(), "shared", "/e").Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), allowed.Load())
}
