package socketio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/hub"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
)

// conn is one websocket client. Identity fields are only touched by the connection's
// dispatcher goroutine.
type conn struct {
	ws *websocket.Conn

	sid string

	connected  bool
	registered bool
	role       hub.Role
	identity   string

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// Emit implements hub.Writer.
func (c *conn) Emit(event string, payload any) error {
	p, err := eventPacket(event, payload)
	if err != nil {
		return err
	}
	return c.writeText(p.frame())
}

// Close implements hub.Writer.
func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) ack(namespace string, id *int, args ...any) {
	if id == nil {
		return
	}
	p, err := ackPacket(namespace, *id, args...)
	if err != nil {
		return
	}
	_ = c.writeText(p.frame())
}

// emitError reports a failed event to its sender.
func (c *conn) emitError(event string, err error) {
	appErr := apperr.From(err)
	_ = c.Emit(EventError, map[string]any{
		"event":   event,
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(framePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
