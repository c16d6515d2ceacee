// Package delivery maintains live push connections per mesh session and
// relays newly stored messages in real time. The connection map is a
// reachability cache, never a source of truth: every message is durable
// in the message store before any push, and a failed push only skips the
// live leg.
package delivery

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultHistoryCapacity bounds the in-memory broadcast history.
const DefaultHistoryCapacity = 100

// Conn is a live push connection to one session. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	// Send pushes one payload to the peer.
	Send(v any) error

	// Close tears down the connection.
	Close() error
}

// BroadcastRecord is one cached broadcast in the history ring.
type BroadcastRecord struct {
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Hub owns the live connection map: at most one connection per session,
// with a newer connection superseding the older one at the transport
// layer only.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]Conn
	history *ring

	// onConnect, when set, is invoked for every registered session.
	// The mesh wires this to a registry heartbeat.
	onConnect func(sessionID string)
}

// NewHub creates a Hub with the given history capacity. A non-positive
// capacity selects [DefaultHistoryCapacity].
func NewHub(historyCapacity int) *Hub {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Hub{
		conns:   make(map[string]Conn),
		history: newRing(historyCapacity),
	}
}

// OnConnect registers a hook invoked with the session id whenever a
// connection registers.
func (h *Hub) OnConnect(fn func(sessionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// Register attaches a live connection for the session. An existing
// connection for the same session is closed and superseded.
func (h *Hub) Register(sessionID string, conn Conn) {
	h.mu.Lock()
	prev := h.conns[sessionID]
	h.conns[sessionID] = conn
	hook := h.onConnect
	h.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		slog.Info("superseded live connection", "session_id", sessionID)
	}
	if hook != nil {
		hook(sessionID)
	}
}

// Unregister detaches the connection if it is still the session's current
// one. A superseded connection unregistering late must not evict its
// replacement.
func (h *Hub) Unregister(sessionID string, conn Conn) {
	h.mu.Lock()
	if h.conns[sessionID] == conn {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()
}

// Connected reports whether the session has a live connection.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[sessionID]
	return ok
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SendToSession pushes a payload over the session's live connection.
// Returns false when the session has no connection or the push failed;
// the caller's persisted message is unaffected either way.
func (h *Hub) SendToSession(sessionID string, v any) bool {
	h.mu.Lock()
	conn := h.conns[sessionID]
	h.mu.Unlock()

	if conn == nil {
		return false
	}
	if err := conn.Send(v); err != nil {
		slog.Warn("live push failed", "session_id", sessionID, "error", err)
		h.drop(sessionID, conn)
		return false
	}
	return true
}

// BroadcastToAll pushes a payload to every live connection and records it
// in the history ring. Returns the number of successful pushes.
func (h *Hub) BroadcastToAll(v any) int {
	h.mu.Lock()
	targets := make(map[string]Conn, len(h.conns))
	for id, conn := range h.conns {
		targets[id] = conn
	}
	h.history.add(BroadcastRecord{Payload: v, SentAt: time.Now()})
	h.mu.Unlock()

	delivered := 0
	for id, conn := range targets {
		if err := conn.Send(v); err != nil {
			slog.Warn("live push failed", "session_id", id, "error", err)
			h.drop(id, conn)
			continue
		}
		delivered++
	}
	return delivered
}

// History returns the last n broadcasts, oldest first. This is a cache of
// recent fan-out activity, not an authoritative log.
func (h *Hub) History(n int) []BroadcastRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.last(n)
}

// Close tears down every live connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// drop removes a dead connection and closes it.
func (h *Hub) drop(sessionID string, conn Conn) {
	h.Unregister(sessionID, conn)
	_ = conn.Close()
}
