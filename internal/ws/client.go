// services/habitat/internal/ws/client.go
package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"example.com/terrarium/services/habitat/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64
)

// interestMessage is the one inbound message type: a subscriber updating
// which devices it wants alerts for.
type interestMessage struct {
	DeviceUIDs []string `json:"device_uids"`
	All        bool     `json:"all"`
}

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	ID           string
	SubscriberID string

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	onClose  func()
	onUpdate func(core.Interest)
}

// NewClient wraps an upgraded connection. onUpdate is invoked for each
// interest message the peer sends; onClose fires once when the
// connection goes away.
func NewClient(id, subscriberID string, conn *websocket.Conn, hub *Hub, onUpdate func(core.Interest), onClose func()) *Client {
	return &Client{
		ID:           id,
		SubscriberID: subscriberID,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		onUpdate:     onUpdate,
		onClose:      onClose,
	}
}

// readPump consumes interest updates until the peer disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.ID)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("connection_id", c.ID).
					Warn("Websocket read error")
			}
			break
		}

		var interest interestMessage
		if err := json.Unmarshal(message, &interest); err != nil {
			c.hub.logger.WithError(err).WithField("connection_id", c.ID).
				Warn("Ignoring malformed interest message")
			continue
		}
		if c.onUpdate != nil {
			c.onUpdate(core.Interest{DeviceUIDs: interest.DeviceUIDs, All: interest.All})
		}
	}
}

// writePump drains the send channel to the peer in order.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.WithError(err).WithField("connection_id", c.ID).
					Warn("Websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
