package workerhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetsend/fleetsend/internal/hub/billing"
	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/serverlist"
	"github.com/fleetsend/fleetsend/internal/hub/store"
	"github.com/fleetsend/fleetsend/internal/hub/subhub"
)

// WebSocket close codes for the worker channel.
const (
	wsCloseInvalidRequest = 4002
	wsCloseReplaced       = 4004
)

// HandlerConfig wires the worker endpoint.
type HandlerConfig struct {
	Manager    *Manager
	Hub        *subhub.Hub
	Queries    *store.Queries
	Cache      cache.Cache
	Billing    *billing.Pipeline
	Projection *serverlist.Projection
	ShutdownCh <-chan struct{}

	PresenceTTL    time.Duration
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration // silence past this closes the channel
}

// Handler serves the /ws/worker control channel.
//
// Protocol:
//  1. Worker connects and sends a register frame within 10 seconds.
//  2. Hub replies registered and starts routing ready / heartbeat /
//     shard_result / shard_run_ack frames, pushing shard_run frames
//     in the other direction.
//  3. Silence past the receive timeout closes the channel and runs
//     disconnect cleanup.
func Handler(cfg HandlerConfig) http.Handler {
	logger := slog.With("component", "workerhub")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.ShutdownCh != nil {
			select {
			case <-cfg.ShutdownCh:
				http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("ws/worker: accept failed", "error", err)
			return
		}
		defer func() { _ = sock.CloseNow() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// The worker must register before anything else.
		handshakeCtx, handshakeCancel := context.WithTimeout(ctx, 10*time.Second)
		_, data, err := sock.Read(handshakeCtx)
		handshakeCancel()
		if err != nil {
			logger.Debug("ws/worker: read register failed", "error", err)
			return
		}

		var frame workerFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Action != "register" {
			_ = sock.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected register")
			return
		}
		var reg registerData
		if err := json.Unmarshal(frame.Data, &reg); err != nil || reg.ServerID == "" {
			_ = sock.Close(websocket.StatusCode(wsCloseInvalidRequest), "server_id required")
			return
		}

		conn := NewConn(reg.ServerID, reg.ServerName, sock, cfg.SendTimeout)
		h := &workerSession{cfg: cfg, conn: conn, logger: logger.With("server_id", reg.ServerID)}
		h.register(ctx, reg)
		defer h.cleanup()

		h.run(ctx, sock, cancel)
	})
}

// workerSession carries per-channel state through the receive loop.
type workerSession struct {
	cfg    HandlerConfig
	conn   *Conn
	logger *slog.Logger
}

func (h *workerSession) register(ctx context.Context, reg registerData) {
	ready, _ := reg.Meta["ready"].(bool)
	h.conn.SetReady(ready)

	// A new registration supersedes any prior channel for this worker.
	if prev := h.cfg.Manager.Register(h.conn); prev != nil {
		prev.Close(websocket.StatusCode(wsCloseReplaced), "replaced by new registration")
	}

	h.cfg.Cache.WorkerOnline(ctx, h.conn.ServerID, cache.Info{
		ServerName: reg.ServerName,
		Ready:      ready,
		Meta:       reg.Meta,
	})

	meta, err := json.Marshal(reg.Meta)
	if err != nil || reg.Meta == nil {
		meta = []byte("{}")
	}
	if err := h.cfg.Queries.UpsertServer(ctx, h.conn.ServerID, reg.ServerName, reg.ServerURL, serverStatus(ready), string(meta)); err != nil {
		h.logger.Error("upsert server", "error", err)
	}

	if err := h.conn.Send(map[string]any{
		"type": "registered", "server_id": h.conn.ServerID, "ok": true,
	}); err != nil {
		h.logger.Debug("registered ack failed", "error", err)
	}

	h.logger.Info("worker registered", "server_name", reg.ServerName, "ready", ready)
	h.broadcastServerList(ctx)
}

// run pumps frames through a channel so silence can be detected with
// an idle timer. Worker silence past the receive timeout is fatal.
func (h *workerSession) run(ctx context.Context, sock *websocket.Conn, cancel context.CancelFunc) {
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, data, err := sock.Read(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(h.cfg.ReceiveTimeout)
	defer idle.Stop()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			idle.Reset(h.cfg.ReceiveTimeout)
			h.route(ctx, data)
		case <-idle.C:
			h.logger.Info("worker silent past receive timeout, closing")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *workerSession) route(ctx context.Context, data []byte) {
	var frame workerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug("invalid frame", "error", err)
		return
	}

	// Super-admin command responses carry a top-level type and are
	// forwarded to all observers unchanged.
	if frame.Action == "" && frame.Type == "super_admin_response" {
		h.cfg.Hub.ForwardRaw(data)
		return
	}

	switch frame.Action {
	case "ready":
		var d readyData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		h.handleReady(ctx, d.Ready)

	case "heartbeat":
		var d heartbeatData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		h.handleHeartbeat(ctx, &d.ClientsCount)

	case "shard_result":
		var d shardResultData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		h.handleShardResult(ctx, d)

	case "shard_run_ack":
		var d shardRunAckData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		h.logger.Debug("shard run acknowledged", "shard_id", d.ShardID, "trace_id", d.TraceID)

	case "register":
		// Already registered on this channel; refresh liveness only,
		// leaving the reported clients_count alone.
		h.handleHeartbeat(ctx, nil)

	default:
		h.logger.Debug("unknown action", "action", frame.Action)
	}
}

func (h *workerSession) handleReady(ctx context.Context, ready bool) {
	h.conn.SetReady(ready)
	h.cfg.Cache.UpdateHeartbeat(ctx, h.conn.ServerID, cache.Patch{Ready: &ready})
	if err := h.cfg.Queries.SetServerStatus(ctx, h.conn.ServerID, serverStatus(ready)); err != nil {
		h.logger.Error("set server status", "error", err)
	}
	if err := h.conn.Send(map[string]any{
		"type": "ready_ack", "server_id": h.conn.ServerID, "ready": ready, "ok": true,
	}); err != nil {
		h.logger.Debug("ready ack failed", "error", err)
	}
	h.broadcastServerList(ctx)
}

// handleHeartbeat refreshes liveness. A nil clientsCount keeps the
// last reported value.
func (h *workerSession) handleHeartbeat(ctx context.Context, clientsCount *int) {
	h.cfg.Cache.UpdateHeartbeat(ctx, h.conn.ServerID, cache.Patch{ClientsCount: clientsCount})
	var err error
	if clientsCount != nil {
		err = h.cfg.Queries.TouchServer(ctx, h.conn.ServerID, *clientsCount)
	} else {
		err = h.cfg.Queries.TouchServerSeen(ctx, h.conn.ServerID)
	}
	if err != nil {
		h.logger.Error("touch server", "error", err)
	}
	if err := h.conn.Send(map[string]any{"type": "heartbeat_ack", "ok": true}); err != nil {
		h.logger.Debug("heartbeat ack failed", "error", err)
	}
}

func (h *workerSession) handleShardResult(ctx context.Context, d shardResultData) {
	// One in-flight shard finished at this worker, whatever the outcome.
	h.cfg.Cache.DecrLoad(ctx, h.conn.ServerID, 1)

	deducted, err := h.cfg.Billing.HandleShardResult(ctx, billing.Result{
		ShardID:  d.ShardID,
		TaskID:   d.TaskID,
		ServerID: h.conn.ServerID,
		UserID:   d.UserID,
		TraceID:  d.TraceID,
		Success:  d.Success,
		Fail:     d.Fail,
		Detail:   d.Detail,
	})
	if err != nil {
		h.logger.Error("shard result failed", "shard_id", d.ShardID, "error", err)
	}

	if ackErr := h.conn.Send(map[string]any{
		"type":     "shard_result_ack",
		"shard_id": d.ShardID,
		"ok":       err == nil,
		"deducted": deducted,
	}); ackErr != nil {
		h.logger.Debug("shard result ack failed", "error", ackErr)
	}
}

// cleanup runs on any disconnect cause. The pointer-compare in
// Unregister keeps a superseded channel from tearing down its
// replacement's presence.
func (h *workerSession) cleanup() {
	if !h.cfg.Manager.Unregister(h.conn.ServerID, h.conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.cfg.Cache.WorkerOffline(ctx, h.conn.ServerID)
	if err := h.cfg.Queries.SetServerStatus(ctx, h.conn.ServerID, store.ServerDisconnected); err != nil {
		h.logger.Error("set server disconnected", "error", err)
	}

	h.cfg.Hub.BroadcastAll(map[string]any{
		"type":      "server_update",
		"server_id": h.conn.ServerID,
		"status":    store.ServerDisconnected,
	})
	h.broadcastServerList(ctx)
	h.logger.Info("worker disconnected")
}

func (h *workerSession) broadcastServerList(ctx context.Context) {
	views, err := h.cfg.Projection.List(ctx)
	if err != nil {
		h.logger.Error("server list projection", "error", err)
		return
	}
	h.cfg.Hub.BroadcastAll(map[string]any{"type": "servers_list_update", "servers": views})
}

func serverStatus(ready bool) string {
	if ready {
		return store.ServerConnected
	}
	return store.ServerAvailable
}
