package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabroom/internal/metrics"
	"collabroom/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one authenticated websocket connection. Outbound events are
// queued and written by WritePump, so Send never blocks a room.
type Client struct {
	ID   string
	User models.Identity
	Conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	hook   func(models.Event)
	room   *Room
	joined bool
}

func NewClient(conn *websocket.Conn, user models.Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:   uuid.NewString(),
		User: user,
		Conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.Event)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues ev for delivery. It reports false if the client is closed or
// too far behind; a client whose queue overflows is closed.
func (c *Client) Send(ev models.Event) bool {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(ev)
		return true
	}

	select {
	case <-c.done:
		return false
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		metrics.RecordDrop("queue_full")
		c.Close()
		return false
	}
}

// Close is idempotent. WritePump flushes what is queued, then closes the
// underlying connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Room returns the room this client is currently subscribed to, if any.
func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// HasJoined reports whether the client was ever subscribed to a room, so a
// frame arriving with no current room comes from a stale session.
func (c *Client) HasJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.joined = true
	c.mu.Unlock()
}

func (c *Client) clearRoom(r *Room) {
	c.mu.Lock()
	if c.room == r {
		c.room = nil
	}
	c.mu.Unlock()
}

// WritePump owns all writes to Conn. It pings every pingPeriod so the peer's
// pongs keep the read deadline alive.
func (c *Client) WritePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(kind, data)
}

// PrepareRead applies the read limit and heartbeat deadline to Conn.
func (c *Client) PrepareRead(heartbeat time.Duration) {
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(heartbeat))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(heartbeat))
	})
}
