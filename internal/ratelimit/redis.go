package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisLimiter shares windows across instances through Redis. If Redis cannot be reached the
// decision falls back to an in-process limiter, or allows when none is configured.
type RedisLimiter struct {
	client   *redis.Client
	max      int
	window   time.Duration
	prefix   string
	fallback Limiter
	log      logrus.FieldLogger
}

// NewRedisLimiter parses url (redis://...), pings it, and returns a limiter. fallback may be nil.
func NewRedisLimiter(ctx context.Context, url string, max int, window time.Duration, fallback Limiter, log logrus.FieldLogger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisLimiterWithClient(client, max, window, fallback, log), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client *redis.Client, max int, window time.Duration, fallback Limiter, log logrus.FieldLogger) *RedisLimiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisLimiter{
		client:   client,
		max:      max,
		window:   window,
		prefix:   "ratelimit:",
		fallback: fallback,
		log:      log.WithField("component", "ratelimit"),
	}
}

// Allow increments the shared counter for (clientKey, endpoint). The key expires one window after
// its first increment, which is when a blocked key is let through again.
func (l *RedisLimiter) Allow(ctx context.Context, clientKey, endpoint string) Decision {
	key := l.prefix + endpoint + ":" + clientKey
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return l.degraded(ctx, clientKey, endpoint, err)
	}
	count := int(incr.Val())
	left := ttl.Val()
	if left < 0 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return l.degraded(ctx, clientKey, endpoint, err)
		}
		left = l.window
	}
	if count > l.max {
		return Decision{Allowed: false, Limit: l.max, RetryAfter: left}
	}
	return Decision{Allowed: true, Limit: l.max, Remaining: remaining(l.max, count)}
}

func (l *RedisLimiter) degraded(ctx context.Context, clientKey, endpoint string, err error) Decision {
	l.log.WithError(err).WithField("endpoint", endpoint).Warn("redis rate limit unavailable; using fallback")
	if l.fallback != nil {
		return l.fallback.Allow(ctx, clientKey, endpoint)
	}
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max}
}

// Close releases the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
