package service

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetsend/fleetsend/internal/hub/store"
)

// handleUserDeduct applies a manual debit and appends the matching
// usage entry, then notifies the user's observers.
func (s *service) handleUserDeduct(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	var req struct {
		Amount float64 `json:"amount"`
		Reason string  `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	ud, err := s.cfg.Queries.GetUserData(r.Context(), userID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	if ud.Credits < req.Amount {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"ok":       false,
			"message":  "insufficient_credits",
			"current":  ud.Credits,
			"required": req.Amount,
		})
		return
	}

	newCredits := ud.Credits - req.Amount
	entry := store.UsageEntry{
		Action:     "deduct",
		Amount:     req.Amount,
		Credits:    req.Amount,
		OldCredits: ud.Credits,
		NewCredits: newCredits,
		TS:         time.Now().UTC().Format(time.RFC3339),
		Reason:     req.Reason,
	}
	usageJSON, err := appendUsage(ud.Usage, entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage append failed")
		return
	}
	if err := s.cfg.Queries.UpdateUserCreditsUsage(r.Context(), userID, newCredits, usageJSON); err != nil {
		writeError(w, http.StatusInternalServerError, "debit failed")
		return
	}

	s.cfg.Hub.BroadcastToUser(userID, map[string]any{
		"type": "balance_update", "user_id": userID, "credits": newCredits,
	})
	s.cfg.Hub.BroadcastToUser(userID, map[string]any{
		"type": "usage_update", "user_id": userID, "entry": entry,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "user_id": userID,
		"old_credits": ud.Credits, "new_credits": newCredits,
	})
}

func (s *service) handleUserCredits(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	ud, err := s.cfg.Queries.GetUserData(r.Context(), userID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "user_id": userID, "credits": ud.Credits,
	})
}

// handleInboxPush appends a message to a user's inbox and notifies
// the user's observers.
func (s *service) handleInboxPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string          `json:"user_id"`
		Message json.RawMessage `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	ud, err := s.cfg.Queries.GetUserData(r.Context(), req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	var inbox []json.RawMessage
	if ud.Inbox != "" {
		if err := json.Unmarshal([]byte(ud.Inbox), &inbox); err != nil {
			writeError(w, http.StatusInternalServerError, "inbox decode failed")
			return
		}
	}
	item, err := json.Marshal(map[string]any{
		"message": req.Message,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inbox encode failed")
		return
	}
	inbox = append(inbox, item)
	inboxJSON, err := json.Marshal(inbox)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inbox encode failed")
		return
	}
	if err := s.cfg.Queries.UpdateUserInbox(r.Context(), req.UserID, string(inboxJSON)); err != nil {
		writeError(w, http.StatusInternalServerError, "inbox update failed")
		return
	}

	s.cfg.Hub.BroadcastToUser(req.UserID, map[string]any{
		"type": "inbox_update", "user_id": req.UserID, "item": json.RawMessage(item),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(inbox)})
}

// appendUsage mirrors the billing pipeline's append: existing entries
// of other shapes pass through untouched.
func appendUsage(usageJSON string, entry store.UsageEntry) (string, error) {
	var entries []json.RawMessage
	if usageJSON != "" {
		if err := json.Unmarshal([]byte(usageJSON), &entries); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	entries = append(entries, raw)
	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
