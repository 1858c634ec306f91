package service

import (
	"net/http"

	"github.com/fleetsend/fleetsend/internal/hub/id"
	"github.com/fleetsend/fleetsend/internal/hub/workerhub"
)

// handleWorkerControl relays a super-admin command to one worker over
// its control channel. The worker's super_admin_response comes back
// asynchronously and is forwarded to all observers.
func (s *service) handleWorkerControl(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")

	var req struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	conn := s.cfg.Manager.Get(serverID)
	if conn == nil {
		writeError(w, http.StatusNotFound, "server_not_found")
		return
	}

	commandID := id.Command()
	if err := conn.Send(workerhub.SuperAdminCommandFrame(req.Action, req.Params, commandID)); err != nil {
		s.logger.Warn("worker control send failed", "server_id", serverID, "error", err)
		writeError(w, http.StatusBadGateway, "command delivery failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "server_id": serverID, "command_id": commandID,
	})
}
