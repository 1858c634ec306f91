// Package workerhub maintains one long-lived JSON-framed WebSocket
// channel per connected worker and routes its control messages.
package workerhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetsend/fleetsend/internal/metrics"
)

// Conn represents a connected worker's channel.
type Conn struct {
	ServerID    string
	ServerName  string
	ConnectedAt time.Time

	sock        *websocket.Conn
	sendTimeout time.Duration
	ready       atomic.Bool

	// SendFn overrides the websocket write for testing.
	SendFn func(ctx context.Context, data []byte) error
	mu     sync.Mutex
}

// NewConn wraps a worker websocket connection.
func NewConn(serverID, serverName string, sock *websocket.Conn, sendTimeout time.Duration) *Conn {
	return &Conn{
		ServerID:    serverID,
		ServerName:  serverName,
		ConnectedAt: time.Now(),
		sock:        sock,
		sendTimeout: sendTimeout,
	}
}

// Send marshals and writes one frame. The mutex serializes writes so
// at most one is outstanding per channel; the send timeout bounds a
// stalled peer. Callers treat an error as a dead channel.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if c.SendFn != nil {
		return c.SendFn(ctx, data)
	}
	if c.sock == nil {
		return fmt.Errorf("connection is nil")
	}
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

// SetReady records the worker's readiness.
func (c *Conn) SetReady(ready bool) { c.ready.Store(ready) }

// Ready reports the worker's last self-reported readiness.
func (c *Conn) Ready() bool { return c.ready.Load() }

// Close closes the underlying channel with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	if c.sock != nil {
		_ = c.sock.Close(code, reason)
	}
}

// Manager tracks connected workers. Thread-safe. At most one channel
// is registered per server ID; a new registration supersedes the old.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a new Manager.
func New() *Manager {
	return &Manager{conns: make(map[string]*Conn)}
}

// Register adds a worker connection, returning the connection it
// replaced (nil if none). The caller closes the replaced channel
// outside the registry lock.
func (m *Manager) Register(c *Conn) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.conns[c.ServerID]
	m.conns[c.ServerID] = c
	if prev == nil {
		metrics.ConnectedWorkers.Inc()
	}
	return prev
}

// Unregister removes the given connection only if it is still the
// registered one for that server ID. This prevents a stale channel's
// deferred cleanup from evicting a newer replacement.
// Returns true if the connection was actually removed.
func (m *Manager) Unregister(serverID string, c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[serverID] == c {
		delete(m.conns, serverID)
		metrics.ConnectedWorkers.Dec()
		return true
	}
	return false
}

// Get returns a worker connection by server ID, or nil if not connected.
func (m *Manager) Get(serverID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[serverID]
}

// IsOnline returns true if the worker has a live channel.
func (m *Manager) IsOnline(serverID string) bool {
	return m.Get(serverID) != nil
}

// Count returns the number of live channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// NotifyShutdown tells all connected workers to delay reconnection.
// Best-effort: errors are logged but do not abort the shutdown.
func (m *Manager) NotifyShutdown(retryDelaySeconds int) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(map[string]any{
			"type":        "hub_shutdown",
			"retry_after": retryDelaySeconds,
		}); err != nil {
			slog.Warn("failed to send shutdown notification to worker", "server_id", c.ServerID, "error", err)
		}
	}
	slog.Info("sent shutdown notifications to workers", "count", len(conns))
}
