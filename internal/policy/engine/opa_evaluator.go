// Package engine evaluates ABAC permission conditions written in Rego.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	conditionPackage = "credential.condition"
	conditionQuery   = "data.credential.condition.allow"
	defaultCacheSize = 256
)

// ErrUnsupportedCondition is returned for a condition that is not {"rego": "<rules>"}.
var ErrUnsupportedCondition = errors.New("unsupported permission condition")

// healthCondition is evaluated by HealthCheck.
const healthCondition = `allow if { input.subject.id == input.attributes.owner_id }`

type regoCondition struct {
	Rego string `json:"rego"`
}

// OPAEvaluator evaluates conditions of the form {"rego": "<rules defining allow>"}. The rules are
// wrapped in a module with `default allow := false`, so anything that does not prove allow denies.
type OPAEvaluator struct {
	prepared *lru.Cache[string, rego.PreparedEvalQuery]
}

// NewOPAEvaluator returns an OPA-based condition evaluator that keeps up to cacheSize compiled
// conditions. cacheSize <= 0 uses a default.
func NewOPAEvaluator(cacheSize int) (*OPAEvaluator, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	c, err := lru.New[string, rego.PreparedEvalQuery](cacheSize)
	if err != nil {
		return nil, err
	}
	return &OPAEvaluator{prepared: c}, nil
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate a condition.
// Does not touch the database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	cond, _ := json.Marshal(regoCondition{Rego: healthCondition})
	ok, err := e.Evaluate(ctx, cond, Input{
		Subject:    Subject{ID: "health"},
		Attributes: map[string]any{"owner_id": "health"},
	})
	if err != nil {
		return fmt.Errorf("eval health condition: %w", err)
	}
	if !ok {
		return fmt.Errorf("health condition did not allow")
	}
	return nil
}

// Evaluate returns whether condition allows in.
func (e *OPAEvaluator) Evaluate(ctx context.Context, condition json.RawMessage, in Input) (bool, error) {
	var rc regoCondition
	if err := json.Unmarshal(condition, &rc); err != nil || strings.TrimSpace(rc.Rego) == "" {
		return false, ErrUnsupportedCondition
	}
	pq, err := e.prepare(ctx, rc.Rego)
	if err != nil {
		return false, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("eval condition: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allow, nil
}

func (e *OPAEvaluator) prepare(ctx context.Context, rules string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(rules))
	key := hex.EncodeToString(sum[:])
	if pq, ok := e.prepared.Get(key); ok {
		return pq, nil
	}
	module := "package " + conditionPackage + "\n\ndefault allow := false\n\n" + rules + "\n"
	pq, err := rego.New(
		rego.Query(conditionQuery),
		rego.Module("condition.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile condition: %w", err)
	}
	e.prepared.Add(key, pq)
	return pq, nil
}

func buildInput(in Input) map[string]interface{} {
	roles := make([]interface{}, len(in.Subject.Roles))
	for i, r := range in.Subject.Roles {
		roles[i] = r
	}
	attrs := make(map[string]interface{}, len(in.Attributes))
	for k, v := range in.Attributes {
		attrs[k] = v
	}
	return map[string]interface{}{
		"subject": map[string]interface{}{
			"id":         in.Subject.ID,
			"roles":      roles,
			"session_id": in.Subject.SessionID,
			"device_id":  in.Subject.DeviceID,
		},
		"resource":   in.Resource,
		"action":     in.Action,
		"attributes": attrs,
	}
}
