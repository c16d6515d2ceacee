package delivery

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the Conn interface.
// gorilla permits one concurrent writer, so Send serializes.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades an HTTP request to a websocket push connection for the
// session named by the session_id query parameter. The connection stays
// registered until the read loop observes a close or error.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	conn := &wsConn{conn: raw}
	h.Register(sessionID, conn)
	slog.Info("live connection established", "session_id", sessionID, "connections", h.ConnectionCount())

	// Inbound frames are ignored; the socket exists for pushes only.
	// The loop just detects the close.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}

	h.Unregister(sessionID, conn)
	_ = raw.Close()
	slog.Info("live connection closed", "session_id", sessionID, "connections", h.ConnectionCount())
}
