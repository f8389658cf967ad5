package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type policy struct{ err error }

func (p policy) HealthCheck(context.Context) error { return p.err }

func TestCheck_NoDependencies(t *testing.T) {
	r := NewChecker(nil, nil, 0).Check(context.Background())
	assert.True(t, r.Healthy)
	assert.Empty(t, r.Components)
}

func TestCheck_AllHealthy(t *testing.T) {
	r := NewChecker(pinger{}, policy{}, time.Second).Check(context.Background())
	assert.True(t, r.Healthy)
	assert.Equal(t, map[string]string{"database": "ok", "policy_engine": "ok"}, r.Components)
}

func TestCheck_DatabaseDown(t *testing.T) {
	r := NewChecker(pinger{err: errors.New("connection refused")}, policy{}, time.Second).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Equal(t, "connection refused", r.Components["database"])
	assert.Equal(t, "ok", r.Components["policy_engine"])
}

func TestCheck_PolicyEngineDown(t *testing.T) {
	r := NewChecker(pinger{}, policy{err: errors.New("compile failed")}, time.Second).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Equal(t, "compile failed", r.Components["policy_engine"])
}
