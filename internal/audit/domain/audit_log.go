package domain

import (
	"encoding/json"
	"time"
)

// Entry is one persisted audit_logs row. IP and user agent are stored only as salted hashes.
type Entry struct {
	ID             string
	UserID         string
	SessionID      string
	EventType      string
	Severity       string
	Action         string
	Resource       string
	IPHash         string
	UserAgentHash  string
	Success        bool
	Details        json.RawMessage
	CreatedAt      time.Time
	RetentionUntil time.Time
}
