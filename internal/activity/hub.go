package activity

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	readDeadline = 180 * time.Second
)

// Hub fans out events to live websocket subscribers (the dashboard's
// live-update view). Subscribers are read-only; inbound messages are
// discarded.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[*websocket.Conn]bool),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and keeps the connection subscribed
// until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.ping(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) ping(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		_, alive := h.conns[conn]
		h.mu.Unlock()
		if !alive {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Broadcast sends the event to every subscriber, dropping connections
// that fail to write.
func (h *Hub) Broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(e); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[conn] {
		conn.Close()
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}
