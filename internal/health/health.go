// Package health reports whether the process can serve: the database answers and the policy
// engine evaluates.
package health

import (
	"context"
	"time"
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is implemented by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the result of one check. Components maps a dependency name to "ok" or its error.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// Checker runs dependency checks under a shared timeout. Nil dependencies are skipped.
type Checker struct {
	db      Pinger
	policy  PolicyChecker
	timeout time.Duration
}

// NewChecker returns a Checker. timeout <= 0 means 2s.
func NewChecker(db Pinger, policy PolicyChecker, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{db: db, policy: policy, timeout: timeout}
}

// Check runs every configured check and reports unhealthy if any fails.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := Report{Healthy: true, Components: map[string]string{}}
	if c.db != nil {
		r.set("database", c.db.PingContext(ctx))
	}
	if c.policy != nil {
		r.set("policy_engine", c.policy.HealthCheck(ctx))
	}
	return r
}

func (r *Report) set(name string, err error) {
	if err != nil {
		r.Healthy = false
		r.Components[name] = err.Error()
		return
	}
	r.Components[name] = "ok"
}
