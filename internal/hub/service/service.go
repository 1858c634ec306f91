// Package service is the HTTP API of the hub: task creation and
// inspection, credit operations, rates administration and super-admin
// worker control.
package service

import (
	"log/slog"
	"net/http"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/dispatch"
	"github.com/fleetsend/fleetsend/internal/hub/rates"
	"github.com/fleetsend/fleetsend/internal/hub/store"
	"github.com/fleetsend/fleetsend/internal/hub/subhub"
	"github.com/fleetsend/fleetsend/internal/hub/workerhub"
)

// Config wires the API handlers.
type Config struct {
	Queries    *store.Queries
	Cache      cache.Cache
	Dispatcher *dispatch.Dispatcher
	Manager    *workerhub.Manager
	Hub        *subhub.Hub
	Resolver   *rates.Resolver
}

type service struct {
	cfg    Config
	logger *slog.Logger
}

// Register mounts the API routes on mux.
func Register(mux *http.ServeMux, cfg Config) {
	s := &service{cfg: cfg, logger: slog.With("component", "service")}

	mux.HandleFunc("POST /api/task/create", s.handleTaskCreate)
	mux.HandleFunc("GET /api/task/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /api/task/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/task/{id}/shards", s.handleTaskShards)
	mux.HandleFunc("POST /api/task/assign", s.handleTaskAssign)

	mux.HandleFunc("POST /api/user/{id}/deduct", s.handleUserDeduct)
	mux.HandleFunc("GET /api/user/{id}/credits", s.handleUserCredits)
	mux.HandleFunc("POST /api/inbox/push", s.handleInboxPush)

	mux.HandleFunc("GET /api/rates/global", s.handleRatesGlobalGet)
	mux.HandleFunc("POST /api/rates/global", s.handleRatesGlobalSet)
	mux.HandleFunc("POST /api/rates/user/{id}", s.handleRatesUserSet)
	mux.HandleFunc("POST /api/rates/admin/{id}/range", s.handleRatesAdminRange)

	mux.HandleFunc("POST /api/super-admin/worker/{id}/control", s.handleWorkerControl)
}
