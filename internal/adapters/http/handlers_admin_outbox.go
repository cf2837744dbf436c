package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	outboxStore "duemari/internal/adapters/storage/outbox"
	"duemari/internal/domain/outbox"
)

// outboxEntryJSON is the admin view of a queued action. The payload is
// omitted since it carries recipient addresses.
type outboxEntryJSON struct {
	ID              string     `json:"id"`
	ActionType      string     `json:"action_type"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExternalID      string     `json:"external_id,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func toOutboxEntryJSON(e outbox.Entry) outboxEntryJSON {
	out := outboxEntryJSON{
		ID:           e.ID,
		ActionType:   e.ActionType,
		Status:       e.Status,
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		CreatedAt:    e.CreatedAt,
		ExternalID:   e.ExternalID,
		ErrorMessage: e.ErrorMessage,
	}
	if !e.LastAttemptedAt.IsZero() {
		t := e.LastAttemptedAt
		out.LastAttemptedAt = &t
	}
	return out
}

// handleAdminOutboxList lists outbox entries (GET /api/admin/outbox?status=failed|all).
// "all" lists entries still awaiting delivery.
func handleAdminOutboxList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	var entries []outbox.Entry
	var err error
	switch r.URL.Query().Get("status") {
	case "", outbox.StatusFailed:
		entries, err = stores.OutboxStore.ListFailed(r.Context(), limit)
	case "all":
		entries, err = stores.OutboxStore.ListPending(r.Context(), limit)
	default:
		badRequest(w, "status must be one of: failed, all")
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}

	out := make([]outboxEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toOutboxEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminOutboxAction retries or abandons one entry
// (POST /api/admin/outbox/{id}/retry, POST /api/admin/outbox/{id}/abandon).
func handleAdminOutboxAction(w http.ResponseWriter, r *http.Request) {
	if settings.Outbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "outbox delivery is disabled"})
		return
	}
	ctx := r.Context()
	entryID := r.PathValue("id")

	var err error
	var status string
	switch r.PathValue("action") {
	case "retry":
		err = settings.Outbox.ProcessSingle(ctx, entryID)
		status = "retry triggered"
	case "abandon":
		err = settings.Outbox.AbandonEntry(ctx, entryID)
		status = "abandoned"
	default:
		badRequest(w, "unknown action")
		return
	}

	switch {
	case errors.Is(err, outboxStore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, outbox.ErrTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeAPIError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}
