package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one node connected for sync hints.
type Client struct {
	ID      string
	NodeID  string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte

	mu     sync.RWMutex
	scopes map[string]bool
	closed bool
}

func NewClient(id, nodeID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:      id,
		NodeID:  nodeID,
		Conn:    conn,
		Manager: manager,
		Send:    make(chan []byte, 256),
	}
}

// Subscribe replaces the scopes the client wants hints for. No subscription
// means every scope.
func (c *Client) Subscribe(scopes []string) {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	c.mu.Lock()
	c.scopes = set
	c.mu.Unlock()
}

func (c *Client) Wants(scope string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scopes) == 0 || c.scopes[scope]
}

// Queue hands data to the write pump without blocking. It reports false
// when the buffer is full or the client is closed.
func (c *Client) Queue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("websocket read failed", slog.String("node_id", c.NodeID), slog.Any("error", err))
			}
			break
		}

		if !c.Manager.dispatch(&ClientMessage{Client: c, Message: message}) {
			break
		}
	}
}

// WritePump sends queued messages. Messages already waiting are coalesced
// into one frame, separated by newlines.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
