// Package subhub maintains long-lived observer channels and fans out
// task, balance, usage, inbox and server events to them.
package subhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetsend/fleetsend/internal/hub/progress"
	"github.com/fleetsend/fleetsend/internal/metrics"
)

// Session is one observer channel. Writes are serialized by the
// session mutex and bounded by the send timeout.
type Session struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
	// SendFn overrides the websocket write for testing.
	SendFn func(ctx context.Context, data []byte) error
	mu     sync.Mutex
}

// NewSession wraps a websocket connection.
func NewSession(conn *websocket.Conn, sendTimeout time.Duration) *Session {
	return &Session{conn: conn, sendTimeout: sendTimeout}
}

// Send marshals and writes one event frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.SendRaw(data)
}

// SendRaw writes pre-encoded bytes as one text frame.
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if s.SendFn != nil {
		return s.SendFn(ctx, data)
	}
	if s.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

func (s *Session) close() {
	if s.conn != nil {
		_ = s.conn.CloseNow()
	}
}

// Hub indexes sessions by user and by task. A session subscribes to
// at most one user at a time and any number of tasks. Thread-safe;
// no I/O happens while the hub mutex is held.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byUser   map[string]map[*Session]struct{}
	byTask   map[string]map[*Session]struct{}
	userOf   map[*Session]string
	tasksOf  map[*Session]map[string]struct{}

	logger *slog.Logger
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[string]map[*Session]struct{}),
		byTask:   make(map[string]map[*Session]struct{}),
		userOf:   make(map[*Session]string),
		tasksOf:  make(map[*Session]map[string]struct{}),
		logger:   slog.With("component", "subhub"),
	}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	metrics.ObserverConnections.Inc()
}

// Remove evicts a session from every index. Safe to call twice.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	metrics.ObserverConnections.Dec()

	if uid, ok := h.userOf[s]; ok {
		delete(h.byUser[uid], s)
		if len(h.byUser[uid]) == 0 {
			delete(h.byUser, uid)
		}
		delete(h.userOf, s)
	}
	for tid := range h.tasksOf[s] {
		delete(h.byTask[tid], s)
		if len(h.byTask[tid]) == 0 {
			delete(h.byTask, tid)
		}
	}
	delete(h.tasksOf, s)
}

// SubscribeUser indexes the session under userID, replacing any
// previous user subscription.
func (h *Hub) SubscribeUser(s *Session, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.userOf[s]; ok {
		delete(h.byUser[prev], s)
		if len(h.byUser[prev]) == 0 {
			delete(h.byUser, prev)
		}
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Session]struct{})
	}
	h.byUser[userID][s] = struct{}{}
	h.userOf[s] = userID
}

// SubscribeTask indexes the session under taskID.
func (h *Hub) SubscribeTask(s *Session, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[*Session]struct{})
	}
	h.byTask[taskID][s] = struct{}{}
	if h.tasksOf[s] == nil {
		h.tasksOf[s] = make(map[string]struct{})
	}
	h.tasksOf[s][taskID] = struct{}{}
}

// UnsubscribeTask removes a task subscription.
func (h *Hub) UnsubscribeTask(s *Session, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.byTask[taskID], s)
	if len(h.byTask[taskID]) == 0 {
		delete(h.byTask, taskID)
	}
	delete(h.tasksOf[s], taskID)
}

func (h *Hub) taskTargets(taskID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.byTask[taskID]))
	for s := range h.byTask[taskID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) userTargets(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.byUser[userID]))
	for s := range h.byUser[userID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) allTargets() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastTaskUpdate fans a task_update out to the task's
// subscribers. When the task has none, it falls back to the owner's
// user-level subscribers so UIs subscribed by user alone still see
// completion.
func (h *Hub) BroadcastTaskUpdate(ownerUserID string, u progress.Update) {
	targets := h.taskTargets(u.TaskID)
	if len(targets) == 0 {
		targets = h.userTargets(ownerUserID)
	}
	h.send(targets, u)
}

// BroadcastToUser sends an event to the user's subscribers.
func (h *Hub) BroadcastToUser(userID string, payload any) {
	h.send(h.userTargets(userID), payload)
}

// BroadcastAll sends an event to every connected session.
func (h *Hub) BroadcastAll(payload any) {
	h.send(h.allTargets(), payload)
}

// ForwardRaw relays an opaque frame (e.g. super_admin_response) to
// every connected session unchanged.
func (h *Hub) ForwardRaw(data []byte) {
	for _, s := range h.allTargets() {
		if err := s.SendRaw(data); err != nil {
			h.evict(s, err)
		}
	}
}

// send delivers best-effort, at most once per session. A failed write
// evicts the session from all indexes.
func (h *Hub) send(targets []*Session, payload any) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}
	for _, s := range targets {
		if err := s.SendRaw(data); err != nil {
			h.evict(s, err)
		}
	}
}

func (h *Hub) evict(s *Session, err error) {
	h.logger.Debug("evicting observer after write error", "error", err)
	h.Remove(s)
	s.close()
}
