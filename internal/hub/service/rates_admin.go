package service

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetsend/fleetsend/internal/hub/rates"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

func (s *service) handleRatesGlobalGet(w http.ResponseWriter, r *http.Request) {
	effective := s.cfg.Resolver.Defaults
	var stored json.RawMessage
	cfg, err := s.cfg.Queries.GetAdminConfig(r.Context(), store.GlobalRatesAdminID)
	if err == nil && cfg.Rates != "" {
		stored = json.RawMessage(cfg.Rates)
		// The sentinel row has no per-user layer above it.
		effective = s.cfg.Resolver.Resolve(r.Context(), s.cfg.Queries, store.GlobalRatesAdminID)
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "rates lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "effective": effective, "stored": stored,
	})
}

func (s *service) handleRatesGlobalSet(w http.ResponseWriter, r *http.Request) {
	var p rates.Prices
	if !decodeBody(w, r, &p) {
		return
	}
	if p.Send < 0 || p.Fail < 0 {
		writeError(w, http.StatusBadRequest, "prices must be non-negative")
		return
	}
	if err := rates.SetGlobalRates(r.Context(), s.cfg.Queries, p); err != nil {
		writeError(w, http.StatusInternalServerError, "rates update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rates": p})
}

// handleRatesUserSet writes a user rate override. AdminID selects the
// write path: the super admin bypasses range checks and locks the
// rate, a regular admin is bounded by their configured range and
// cannot touch a super-admin-locked rate.
func (s *service) handleRatesUserSet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	var req struct {
		AdminID string  `json:"admin_id"`
		Send    float64 `json:"send"`
		Fail    float64 `json:"fail"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}
	if req.Send < 0 || req.Fail < 0 {
		writeError(w, http.StatusBadRequest, "prices must be non-negative")
		return
	}
	if _, err := s.cfg.Queries.GetUserData(r.Context(), userID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	p := rates.Prices{Send: req.Send, Fail: req.Fail}
	var err error
	if req.AdminID == rates.SuperAdmin {
		err = rates.SetUserRatesBySuperAdmin(r.Context(), s.cfg.Queries, userID, p)
	} else {
		err = rates.SetUserRatesByAdmin(r.Context(), s.cfg.Queries, req.AdminID, userID, p)
	}
	switch {
	case errors.Is(err, rates.ErrSuperAdminRate):
		writeError(w, http.StatusForbidden, "rate is locked by super admin")
	case errors.Is(err, rates.ErrRateOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, "rate out of allowed range")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "rates update failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user_id": userID, "rates": p})
	}
}

func (s *service) handleRatesAdminRange(w http.ResponseWriter, r *http.Request) {
	adminID := r.PathValue("id")

	var rg rates.Range
	if !decodeBody(w, r, &rg) {
		return
	}
	if rg.Min < 0 || rg.Max < rg.Min {
		writeError(w, http.StatusBadRequest, "range must satisfy 0 <= min <= max")
		return
	}
	if err := rates.SetAdminRateRange(r.Context(), s.cfg.Queries, adminID, rg); err != nil {
		writeError(w, http.StatusInternalServerError, "range update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "admin_id": adminID, "range": rg})
}
