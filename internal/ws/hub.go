// services/habitat/internal/ws/hub.go
package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"example.com/terrarium/services/habitat/internal/core"
)

// Hub maintains the set of live websocket connections, keyed by
// connection ID, and implements the alert sink the fan-out pushes into.
// Each connection drains its own buffered send channel, so delivery
// order per connection matches push order.
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register adds a connection and starts its pumps.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"connection_id": client.ID,
		"remote_addr":   client.conn.RemoteAddr().String(),
	}).Info("Websocket connection registered")

	go client.writePump()
	go client.readPump()
}

// Unregister drops a connection and closes its send channel.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	client, ok := h.clients[connectionID]
	if ok {
		delete(h.clients, connectionID)
	}
	h.mu.Unlock()

	if ok {
		close(client.send)
		h.logger.WithField("connection_id", connectionID).
			Info("Websocket connection unregistered")
	}
}

// Push delivers one alert to one connection. A full send buffer or an
// unknown connection drops the push and returns false; the connection's
// write pump keeps draining at its own pace.
func (h *Hub) Push(connectionID string, alert *core.Alert) bool {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	message, err := json.Marshal(map[string]interface{}{
		"type":    "alert",
		"payload": alert,
	})
	if err != nil {
		h.logger.WithError(err).WithField("alert_id", alert.ID).
			Error("Failed to marshal alert for push")
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
