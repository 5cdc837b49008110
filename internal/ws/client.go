package ws

import (
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single event write may block the hub's
// run loop before the subscriber is dropped.
const writeWait = 5 * time.Second

// Client adapts a websocket connection to the Subscriber interface used
// by the event hub.
type Client struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Send writes one event frame. A subscriber that cannot accept the frame
// within writeWait is disconnected instead of stalling event delivery for
// everyone else.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("event subscriber dropped", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call from both the hub's
// eviction path and the read loop's unregister path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}
