package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/wire"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	sendQueue                  = 256
)

var (
	errQueueFull = errors.New("send queue full")
	errClosed    = errors.New("connection closed")
)

// conn is one websocket client. Frames are queued and written by a single
// goroutine so that broadcasts issued under a session lock never wait on the
// network.
type conn struct {
	ws  *websocket.Conn
	sid string

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   chan string
	closing bool
	done    chan struct{}

	connected     atomic.Bool
	participantID string
	alias         string
	anonymous     bool

	// guarded by the gateway's read goroutine; only it mutates membership.
	sessionID string
	member    *hub.Connection

	pingInterval time.Duration
	pingTimeout  time.Duration

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn, pingInterval, pingTimeout time.Duration) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:           ws,
		sid:          uuid.NewString(),
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan string, sendQueue),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		nextPingAt:   time.Now().Add(pingInterval),
	}
}

// Write implements hub.Writer.
func (c *conn) Write(message []byte) error {
	return c.enqueue(string(message))
}

// Close implements hub.Writer. Frames already queued are still delivered
// before the socket is closed.
func (c *conn) Close() error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closing {
		return nil
	}
	c.closing = true
	close(c.queue)
	return nil
}

func (c *conn) enqueue(msg string) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closing {
		return errClosed
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (c *conn) send(packet string) {
	_ = c.enqueue(wire.Frame(packet))
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.close()
	for msg := range c.queue {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	_ = c.ws.Close()
}

func (c *conn) readLoop(onMessage func(string)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > c.pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(c.pingInterval)
			c.pingMu.Unlock()
			_ = c.enqueue(string(wire.EnginePing))
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
