package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codeblock/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	DefaultSendBuffer = 64
)

// Client is one live transport connection. Sends are queued and written by
// a dedicated goroutine so that a room never waits on the network.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu     sync.Mutex
	hook   func(models.WSFrame)
	send   chan models.WSFrame
	done   chan struct{}
	closed bool
}

func NewClient(conn *websocket.Conn) *Client {
	return NewClientWithBuffer(conn, DefaultSendBuffer)
}

func NewClientWithBuffer(conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		send: make(chan models.WSFrame, buffer),
		done: make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues frame for delivery and reports whether it was accepted.
// A full queue means the peer is not reading; the client is closed and the
// frame dropped.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return true
	}
	if c.closed || c.Conn == nil {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Close stops the write loop after it flushes what is already queued.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Start configures keepalive on the connection and launches the write loop.
func (c *Client) Start() {
	if c.Conn == nil {
		return
	}
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush drains frames queued before the close.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame models.WSFrame) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(frame)
}
