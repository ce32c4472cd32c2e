package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleDecisionStream upgrades to WebSocket and registers with the hub.
// Every decision transition is pushed to connected clients as JSON.
func (a *API) handleDecisionStream(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.GetLogger().WithError(err).Warn("websocket upgrade failed")
		return
	}

	a.wsHub.Register(conn, tenantID)
	defer a.wsHub.Unregister(conn)

	// Ping/pong for dead client detection.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.GetLogger().WithError(err).Warn("websocket closed unexpectedly")
			}
			return
		}
	}
}
