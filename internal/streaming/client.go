package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe
type SubscriptionMessage struct {
	Action   string   `json:"action"` // subscribe, unsubscribe
	Subjects []string `json:"subjects"`
}

// ReadPump reads subscription messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
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
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, subject := range subMsg.Subjects {
				if err := c.Subscribe(subject); err != nil {
					c.logger.Warn("Subscribe failed",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}
		case "unsubscribe":
			for _, subject := range subMsg.Subjects {
				c.Unsubscribe(subject)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes events to the WebSocket connection
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Send queues a frame for the client, reporting false when the buffer is full
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close disconnects the client from the hub
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// Subscribe attaches the client to a subject pattern
func (c *Client) Subscribe(pattern string) error {
	if err := c.hub.SubscribeClient(c, pattern); err != nil {
		return err
	}
	c.mu.Lock()
	c.patterns[pattern] = true
	c.mu.Unlock()
	c.logger.Debug("Subscribed to pattern", zap.String("pattern", pattern))
	return nil
}

// Unsubscribe detaches the client from a subject pattern
func (c *Client) Unsubscribe(pattern string) {
	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, pattern)
	c.logger.Debug("Unsubscribed from pattern", zap.String("pattern", pattern))
}

// IsSubscribed returns true if the client follows a pattern
func (c *Client) IsSubscribed(pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patterns[pattern]
}
