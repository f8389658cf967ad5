// Package rbac resolves a user's roles and permissions with a TTL cache and applies the
// administrative mutations that must invalidate it.
package rbac

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"credential-core/internal/cache"
	"credential-core/internal/metrics"
	"credential-core/internal/rbac/domain"
	rbacrepo "credential-core/internal/rbac/repository"
)

// DefaultTTL is how long a resolved permission set is served from cache.
const DefaultTTL = 5 * time.Minute

// Resolver computes permission sets and caches them per user. Every role or permission mutation
// must call Invalidate; TTL expiry is the only other way an entry goes away.
type Resolver struct {
	repo    rbacrepo.Repository
	cache   *cache.TTLCache[*domain.PermissionSet]
	gen     atomic.Uint64
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock overrides time.Now for cache expiry, for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(o *resolverOptions) { o.now = now }
}

// WithMetrics counts cache hits and misses.
func WithMetrics(m *metrics.Metrics) ResolverOption {
	return func(o *resolverOptions) { o.metrics = m }
}

// NewResolver returns a Resolver whose cache entries live for ttl.
func NewResolver(repo rbacrepo.Repository, ttl time.Duration, log logrus.FieldLogger, opts ...ResolverOption) (*Resolver, error) {
	o := resolverOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c, err := cache.New[*domain.PermissionSet](ttl, cache.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	return &Resolver{
		repo:    repo,
		cache:   c,
		log:     log.WithField("component", "rbac"),
		metrics: o.metrics,
		now:     o.now,
	}, nil
}

// Resolve returns userID's permission set. Within the TTL the same *PermissionSet is returned
// without touching the repository. On error no set is returned and callers must deny.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*domain.PermissionSet, error) {
	if set, ok := r.cache.Get(userID); ok {
		r.metrics.PermissionCache(true)
		return set, nil
	}
	r.metrics.PermissionCache(false)

	gen := r.gen.Load()
	roles, err := r.repo.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for %s: %w", userID, err)
	}
	perms, err := r.repo.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions for %s: %w", userID, err)
	}
	if roles == nil {
		roles = []string{}
	}
	set := &domain.PermissionSet{UserID: userID, Roles: roles, Permissions: perms, ResolvedAt: r.now()}
	// An Invalidate that ran while we were reading may have raced a mutation we did not see.
	if r.gen.Load() == gen {
		r.cache.Set(userID, set)
	}
	return set, nil
}

// Invalidate drops userID's cached set.
func (r *Resolver) Invalidate(userID string) {
	r.gen.Add(1)
	r.cache.Invalidate(userID)
}

// InvalidateAll drops every cached set.
func (r *Resolver) InvalidateAll() {
	r.gen.Add(1)
	r.cache.Purge()
}

// Sweep removes expired entries and returns how many were removed.
func (r *Resolver) Sweep() int {
	n := r.cache.Sweep()
	if n > 0 {
		r.log.WithField("removed", n).Debug("permission cache swept")
	}
	return n
}
