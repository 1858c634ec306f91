package subhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetsend/fleetsend/internal/hub/progress"
	"github.com/fleetsend/fleetsend/internal/hub/serverlist"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

// HandlerConfig wires the observer endpoint.
type HandlerConfig struct {
	Hub        *Hub
	Queries    *store.Queries
	Projection *serverlist.Projection
	ShutdownCh <-chan struct{}

	SendTimeout    time.Duration
	ReceiveTimeout time.Duration // idle tick interval; a tick is not an error
}

type observerFrame struct {
	Action string `json:"action"`
	Data   struct {
		UserID string `json:"user_id"`
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// Handler serves the /ws/frontend observer channel.
//
// Client actions: subscribe_user, subscribe_task, unsubscribe_task,
// get_servers, ping. A subscribe_task reply is immediately followed by
// a synthetic task_update snapshot so a subscriber that arrives after
// completion still sees the final state.
func Handler(cfg HandlerConfig) http.Handler {
	logger := slog.With("component", "subhub")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.ShutdownCh != nil {
			select {
			case <-cfg.ShutdownCh:
				http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("ws/frontend: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := NewSession(conn, cfg.SendTimeout)
		cfg.Hub.Add(sess)
		defer cfg.Hub.Remove(sess)

		// Initial full server list so UIs render without asking.
		if views, err := cfg.Projection.List(ctx); err == nil {
			_ = sess.Send(map[string]any{"type": "servers_list", "servers": views})
		}

		frames := make(chan []byte)
		go func() {
			defer close(frames)
			for {
				_, data, err := conn.Read(ctx)
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

		idle := time.NewTimer(cfg.ReceiveTimeout)
		defer idle.Stop()

		for {
			select {
			case data, ok := <-frames:
				if !ok {
					return
				}
				idle.Reset(cfg.ReceiveTimeout)
				handleObserverFrame(ctx, cfg, sess, data, logger)
			case <-idle.C:
				// Idle tick, not an error. Keep the channel open.
				idle.Reset(cfg.ReceiveTimeout)
			case <-ctx.Done():
				return
			}
		}
	})
}

func handleObserverFrame(ctx context.Context, cfg HandlerConfig, sess *Session, data []byte, logger *slog.Logger) {
	var frame observerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = sess.Send(map[string]any{"type": "error", "message": "invalid frame"})
		return
	}

	switch frame.Action {
	case "subscribe_user":
		if frame.Data.UserID == "" {
			_ = sess.Send(map[string]any{"type": "error", "message": "user_id required"})
			return
		}
		cfg.Hub.SubscribeUser(sess, frame.Data.UserID)
		_ = sess.Send(map[string]any{"type": "user_subscribed", "user_id": frame.Data.UserID})

	case "subscribe_task":
		if frame.Data.TaskID == "" {
			_ = sess.Send(map[string]any{"type": "error", "message": "task_id required"})
			return
		}
		cfg.Hub.SubscribeTask(sess, frame.Data.TaskID)
		_ = sess.Send(map[string]any{"type": "subscribed", "task_id": frame.Data.TaskID})

		// Snapshot closes the race with a task that already completed.
		if u, err := progress.Snapshot(ctx, cfg.Queries, frame.Data.TaskID); err == nil {
			u.Snapshot = true
			_ = sess.Send(u)
		} else {
			logger.Debug("task snapshot failed", "task_id", frame.Data.TaskID, "error", err)
		}

	case "unsubscribe_task":
		cfg.Hub.UnsubscribeTask(sess, frame.Data.TaskID)
		_ = sess.Send(map[string]any{"type": "unsubscribed", "task_id": frame.Data.TaskID})

	case "get_servers":
		views, err := cfg.Projection.List(ctx)
		if err != nil {
			_ = sess.Send(map[string]any{"type": "error", "message": "server list unavailable"})
			return
		}
		_ = sess.Send(map[string]any{"type": "servers_list", "servers": views})

	case "ping":
		_ = sess.Send(map[string]any{"type": "pong"})

	default:
		_ = sess.Send(map[string]any{"type": "error", "message": "unknown action"})
	}
}
