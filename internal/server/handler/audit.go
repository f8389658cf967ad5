package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	auditdomain "credential-core/internal/audit/domain"
	"credential-core/internal/server/httpx"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditLister reads a user's audit trail.
type AuditLister interface {
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.Entry, error)
}

// AuditHandlers serves audit trail reads. The route must sit behind a users:read permission guard.
type AuditHandlers struct {
	repo AuditLister
	log  logrus.FieldLogger
}

// NewAuditHandlers returns AuditHandlers.
func NewAuditHandlers(repo AuditLister, log logrus.FieldLogger) *AuditHandlers {
	return &AuditHandlers{repo: repo, log: log.WithField("component", "http.audit")}
}

type auditEntry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	SessionID string          `json:"session_id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Success   bool            `json:"success"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListByUser handles GET /api/users/{user_id}/audit?limit=&offset=
func (h *AuditHandlers) ListByUser(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultAuditLimit)
	if limit <= 0 || limit > maxAuditLimit {
		limit = defaultAuditLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	entries, err := h.repo.ListByUser(r.Context(), mux.Vars(r)["user_id"], int32(limit), int32(offset))
	if err != nil {
		h.log.WithError(err).Error("list audit entries")
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{
			ID:        e.ID,
			EventType: e.EventType,
			Severity:  e.Severity,
			SessionID: e.SessionID,
			Action:    e.Action,
			Resource:  e.Resource,
			Success:   e.Success,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": out, "limit": limit, "offset": offset})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
