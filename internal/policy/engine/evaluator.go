package engine

import (
	"context"
	"encoding/json"
)

// Subject is the authenticated caller a condition is evaluated for.
type Subject struct {
	ID        string   `json:"id"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id"`
	DeviceID  string   `json:"device_id"`
}

// Input is the request context exposed to a condition as `input`.
type Input struct {
	Subject    Subject
	Resource   string
	Action     string
	Attributes map[string]any
}

// ConditionEvaluator decides ABAC conditions attached to permissions. An error means the
// condition could not be decided; callers deny.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, condition json.RawMessage, in Input) (bool, error)
}
