package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/registry"
)

// closeGrace bounds how long Close waits to write the close frame.
const closeGrace = time.Second

// Conn is one client WebSocket session bound to a single channel.
// Outbound payloads go through a bounded queue drained by one writer
// goroutine, so Send never blocks on the network.
type Conn struct {
	id          string
	channel     string
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time
	logger      *slog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Conn)
}

var _ registry.Connection = (*Conn)(nil)

func newConn(ws *websocket.Conn, channel string, cfg Config, logger *slog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:           id,
		channel:      channel,
		ws:           ws,
		send:         make(chan []byte, cfg.SendQueue),
		done:         make(chan struct{}),
		connectedAt:  time.Now(),
		logger:       logger.With("connection_id", id, "channel", channel),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		readLimit:    cfg.ReadLimit,
	}
}

// ID returns the connection's UUID
func (c *Conn) ID() string {
	return c.id
}

// Channel returns the channel the connection was admitted to
func (c *Conn) Channel() string {
	return c.channel
}

// ConnectedAt returns when the handshake completed
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// State returns Open until the connection starts closing
func (c *Conn) State() registry.State {
	if c.closed.Load() {
		return registry.Closed
	}
	return registry.Open
}

// Send queues payload as one text frame. It fails instead of blocking when
// the queue is full.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
		return errors.ErrSendQueueFull
	}
}

// Close closes the connection and runs the close handler, exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		grace := c.writeTimeout
		if grace <= 0 || grace > closeGrace {
			grace = closeGrace
		}
		deadline := time.Now().Add(grace)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// readLoop discards client frames and returns when the peer goes away.
func (c *Conn) readLoop() {
	defer c.Close()

	if c.readLimit > 0 {
		c.ws.SetReadLimit(c.readLimit)
	}
	pongWait := c.pongWait()
	if pongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
	}
}

// writeLoop is the only writer of data and ping frames.
func (c *Conn) writeLoop() {
	defer c.Close()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ping:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) pongWait() time.Duration {
	if c.pingInterval <= 0 {
		return 0
	}
	return c.pingInterval + c.writeTimeout
}
