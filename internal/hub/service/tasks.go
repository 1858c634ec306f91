package service

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetsend/fleetsend/internal/hub/id"
	"github.com/fleetsend/fleetsend/internal/hub/progress"
)

type taskCreateRequest struct {
	Message   string   `json:"message"`
	Numbers   []string `json:"numbers"`
	ShardSize int      `json:"shard_size"`
	TraceID   string   `json:"trace_id"`
}

// handleTaskCreate validates the request, checks the balance against
// the estimated cost and hands off to the dispatcher. On insufficient
// credits no task rows are created at all.
func (s *service) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req taskCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	prices := s.cfg.Resolver.Resolve(r.Context(), s.cfg.Queries, user.UserID)
	required := float64(len(req.Numbers)) * prices.Send

	ud, err := s.cfg.Queries.GetUserData(r.Context(), user.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	if ud.Credits < required {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"ok":       false,
			"message":  "insufficient_credits",
			"current":  ud.Credits,
			"required": required,
		})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = id.Trace()
	}

	taskID, expected, err := s.cfg.Dispatcher.CreateTask(r.Context(), user.UserID, req.Message, req.Numbers, req.ShardSize, traceID)
	if err != nil {
		s.logger.Error("create task", "user_id", user.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "task creation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"task_id":         taskID,
		"trace_id":        traceID,
		"total":           len(req.Numbers),
		"shards_expected": expected,
	})
}

func (s *service) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	// Fast path: the billing pipeline caches the latest snapshot after
	// every commit, so hot polling skips the aggregate queries.
	if payload, ok := s.cfg.Cache.TaskProgress(r.Context(), taskID); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	update, err := progress.Snapshot(r.Context(), s.cfg.Queries, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}
	if err != nil {
		s.logger.Error("task status", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// handleTaskEvents streams task_update snapshots over SSE until the
// task completes or the client goes away.
func (s *service) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	update, err := progress.Snapshot(r.Context(), s.cfg.Queries, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(u progress.Update) bool {
		data, err := json.Marshal(u)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !u.Completed
	}
	if !write(update) {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			update, err := progress.Snapshot(r.Context(), s.cfg.Queries, taskID)
			if err != nil {
				return
			}
			if !write(update) {
				return
			}
		}
	}
}

func (s *service) handleTaskShards(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Queries.GetTask(r.Context(), taskID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}

	shards, err := s.cfg.Queries.ListTaskShards(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "shard listing failed")
		return
	}

	type shardView struct {
		ShardID  string          `json:"shard_id"`
		ServerID string          `json:"server_id,omitempty"`
		Status   string          `json:"status"`
		Attempts int             `json:"attempts"`
		Result   json.RawMessage `json:"result,omitempty"`
	}
	views := make([]shardView, 0, len(shards))
	for _, sh := range shards {
		v := shardView{
			ShardID:  sh.ShardID,
			ServerID: sh.ServerID,
			Status:   sh.Status,
			Attempts: sh.Attempts,
		}
		if sh.Result != "" {
			v.Result = json.RawMessage(sh.Result)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": taskID, "shards": views})
}

// handleTaskAssign re-dispatches a task's pending shards, reclaiming
// stale ones first. The recovery path for tasks created while no
// worker was ready.
func (s *service) handleTaskAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if _, err := s.cfg.Queries.GetTask(r.Context(), req.TaskID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}

	pushed, err := s.cfg.Dispatcher.Reassign(r.Context(), req.TaskID)
	if err != nil {
		s.logger.Error("reassign", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "reassign failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": req.TaskID, "pushed": pushed})
}
