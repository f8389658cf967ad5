// Package cache provides a sharded, size-bounded TTL cache. Expiry is checked against an injectable
// clock on read and removed in bulk by Sweep; nothing runs in the background.
package cache

import (
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultShards       = 16
	DefaultShardEntries = 4096
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache maps string keys to values that expire ttl after Set. Each shard has its own lock
// (inside the LRU), so readers of different keys rarely contend.
type TTLCache[V any] struct {
	shards []*lru.Cache[string, entry[V]]
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a TTLCache.
type Option func(*config)

type config struct {
	shards       int
	shardEntries int
	now          func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithShards sets the shard count and the LRU capacity of each shard.
func WithShards(shards, entriesPerShard int) Option {
	return func(c *config) {
		if shards > 0 {
			c.shards = shards
		}
		if entriesPerShard > 0 {
			c.shardEntries = entriesPerShard
		}
	}
}

// New returns a TTLCache whose entries live for ttl.
func New[V any](ttl time.Duration, opts ...Option) (*TTLCache[V], error) {
	cfg := config{shards: DefaultShards, shardEntries: DefaultShardEntries, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	c := &TTLCache[V]{shards: make([]*lru.Cache[string, entry[V]], cfg.shards), ttl: ttl, now: cfg.now}
	for i := range c.shards {
		s, err := lru.New[string, entry[V]](cfg.shardEntries)
		if err != nil {
			return nil, err
		}
		c.shards[i] = s
	}
	return c, nil
}

func (c *TTLCache[V]) shard(key string) *lru.Cache[string, entry[V]] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	e, ok := c.shard(key).Get(key)
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache's TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.shard(key).Add(key, entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate removes key. Reports whether it was present.
func (c *TTLCache[V]) Invalidate(key string) bool {
	return c.shard(key).Remove(key)
}

// Purge drops every entry.
func (c *TTLCache[V]) Purge() {
	for _, s := range c.shards {
		s.Purge()
	}
}

// Sweep removes expired entries and returns how many were removed.
func (c *TTLCache[V]) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		for _, k := range s.Keys() {
			if e, ok := s.Peek(k); ok && !now.Before(e.expiresAt) {
				if s.Remove(k) {
					removed++
				}
			}
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (c *TTLCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}
