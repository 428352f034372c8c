package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	healthMessage       = "Overlay chat server is running!"
	shutdownCloseReason = "server shutting down"
)

// WebSocketHandler upgrades GET requests whose Origin passes policy and hands
// the connection to the hub, which starts the client's read/write pumps.
func WebSocketHandler(hub *Hub, policy *originPolicy) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		if !hub.Register(client) {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, shutdownCloseReason)
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			_ = conn.Close()
		}
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthMessage)
}

// StatsHandler reports how many rooms and room members the hub holds.
func StatsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := hub.Stats(r.Context())
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			hub.log.Warn("write stats response", zap.Error(err))
		}
	}
}
