package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// sendBuffer bounds how far a slow client may fall behind before it is
	// disconnected. Clients reconcile through the message log on reconnect,
	// so dropping a session loses nothing durable.
	sendBuffer = 128
)

// ErrSessionClosed is returned by Send after the connection has been closed.
var ErrSessionClosed = errors.New("bus: session closed")

// ErrSessionBacklogged is returned by Send when the outbound buffer is full;
// the connection is closed as a side effect.
var ErrSessionBacklogged = errors.New("bus: session send buffer full")

// socket is the write side of a websocket. *websocket.Conn satisfies it.
type socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection wraps a websocket session and coordinates outbound writes
// through a buffered channel. One Connection corresponds to one client
// session; it is safe for concurrent use.
type Connection struct {
	ID     string
	UserID string

	ws      socket
	send    chan []byte
	once    sync.Once
	closing chan struct{}
}

// NewConnection constructs a Connection for the given authenticated user.
func NewConnection(userID string, ws socket) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		UserID:  userID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once, which
// Bus.Attach does.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. A full buffer means the client cannot
// keep up; the connection is closed so backpressure stays bounded and the
// client falls back to reconciling on reconnect.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closing:
		return ErrSessionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrSessionBacklogged
	}
}

// Close terminates the connection and stops the write loop. Safe to call
// multiple times and from any goroutine.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closing)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
