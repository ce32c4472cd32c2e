package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/observability"
	"github.com/wattwise/wattwise/control_plane/scheduler"
)

const (
	maxWSConnections = 200
	eventBufferSize  = 256
)

// DecisionHub manages WebSocket connections and broadcasts decision
// transitions as they happen. Single broadcaster goroutine; publishers
// never block on slow clients.
type DecisionHub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan *scheduler.ScheduleDecision
	mu         sync.RWMutex
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

func NewDecisionHub() *DecisionHub {
	return &DecisionHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *scheduler.ScheduleDecision, eventBufferSize),
	}
}

// PublishDecision implements scheduler.EventPublisher. Drops the event if
// the buffer is full rather than stalling the scheduling path.
func (h *DecisionHub) PublishDecision(d *scheduler.ScheduleDecision) {
	select {
	case h.events <- d:
	default:
		logger.GetLogger().WithField("decision_id", d.ID).Warn("decision event dropped, stream buffer full")
	}
}

// Run starts the hub's main loop.
func (h *DecisionHub) Run(ctx context.Context) {
	log := logger.GetLogger()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.WithField("max", maxWSConnections).Warn("websocket connection rejected, max connections reached")
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			count := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedStreamClients.Set(float64(count))
			log.WithField("tenant", reg.tenantID).WithField("total", count).Info("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedStreamClients.Set(float64(count))
			log.WithField("total", count).Info("websocket client unregistered")

		case d := <-h.events:
			h.broadcast(d)
		}
	}
}

func (h *DecisionHub) broadcast(d *scheduler.ScheduleDecision) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Write deadline prevents blocking on dead connections.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(d); err != nil {
			logger.GetLogger().WithError(err).Warn("websocket write error")
			go h.Unregister(conn)
		}
	}
}

func (h *DecisionHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger.GetLogger().WithField("clients", len(h.clients)).Info("shutting down websocket hub")

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.ConnectedStreamClients.Set(0)
}

// Register adds a new client connection.
func (h *DecisionHub) Register(conn *websocket.Conn, tenantID string) {
	h.register <- registration{conn: conn, tenantID: tenantID}
}

// Unregister removes a client connection.
func (h *DecisionHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *DecisionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
