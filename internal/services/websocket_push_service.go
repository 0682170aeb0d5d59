package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// balanceChangedMessage tells a client to refetch its balances. The payload
// deliberately carries no amounts or commitments; the socket only signals
// staleness.
type balanceChangedMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketHub tracks live client sessions per user and pushes
// balance-changed notifications to them.
type WebSocketHub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*websocket.Conn]struct{}
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// HandleConnection upgrades the request and keeps the session registered
// until the client disconnects. The caller must have authenticated userID
// already.
func (h *WebSocketHub) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("websocket upgrade failed")
		return
	}

	h.register(userID, conn)
	defer h.unregister(userID, conn)

	logrus.WithField("user_id", userID).Debug("websocket session opened")

	go h.pingLoop(conn)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Clients never send application messages; the read loop only notices
	// disconnects and pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WebSocketHub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*websocket.Conn]struct{})
	}
	h.sessions[userID][conn] = struct{}{}
}

func (h *WebSocketHub) unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[userID], conn)
	if len(h.sessions[userID]) == 0 {
		delete(h.sessions, userID)
	}
	_ = conn.Close()
}

// PushBalanceChanged notifies every live session of the user. Slow or dead
// sessions are dropped rather than waited on.
func (h *WebSocketHub) PushBalanceChanged(userID string) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.sessions[userID]))
	for conn := range h.sessions[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	msg := balanceChangedMessage{Type: "balance_changed", Timestamp: time.Now().UTC()}
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.unregister(userID, conn)
		}
	}
}
