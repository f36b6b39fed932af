// Package realtime is the websocket transport of the counter: it authenticates and
// upgrades connections, runs their read and write pumps, and feeds inbound events
// to the command processor.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/registry"
)

// ConnOptions tunes a single connection.
type ConnOptions struct {
	SendBufferSize  int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 16
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4096
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is one websocket session bound to a single organization. It implements
// registry.Member.
type Conn struct {
	id     string
	orgID  string
	userID string
	ws     *websocket.Conn
	opts   ConnOptions

	// send carries batches of text frames; one batch is one state publish.
	send chan [][]byte
	done chan struct{}

	mu          sync.Mutex
	lastVersion uint64
	closed      bool
	closeOnce   sync.Once
}

var _ registry.Member = (*Conn)(nil)

func newConn(ws *websocket.Conn, ident Identity, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:     uuid.New().String(),
		orgID:  ident.OrganizationID,
		userID: ident.UserID,
		ws:     ws,
		opts:   opts,
		send:   make(chan [][]byte, opts.SendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) OrganizationID() string { return c.orgID }

// Deliver queues a state batch without blocking. Batches older than the newest
// one already queued are dropped so the client never regresses.
func (c *Conn) Deliver(version uint64, msgs [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return registry.ErrMemberClosed
	}
	if version < c.lastVersion {
		return nil
	}
	select {
	case c.send <- msgs:
		c.lastVersion = version
		return nil
	default:
		return registry.ErrSendBufferFull
	}
}

// SendError queues an error frame for this connection only. Error frames carry no
// version and are dropped if the buffer is full.
func (c *Conn) SendError(code, message string) error {
	b, err := json.Marshal(counter.ErrorFrame(code, message))
	if err != nil {
		return fmt.Errorf("failed to encode error frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrMemberClosed
	}
	select {
	case c.send <- [][]byte{b}:
		return nil
	default:
		return registry.ErrSendBufferFull
	}
}

// Close stops the connection. It is safe to call more than once and from any
// goroutine; the write pump sends the close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Done is closed once the connection has been asked to close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// readPump reads frames until the peer goes away or stops answering pings, handing
// each text message to handle. It closes the connection on return.
func (c *Conn) readPump(handle func(raw []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("realtime: read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		if typ != websocket.TextMessage {
			continue
		}
		handle(raw)
	}
}

// writePump drains the send buffer onto the socket and keeps the connection alive
// with pings. It owns the socket's write side and closes the socket on return.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.Close()
	}()

	for {
		select {
		case batch := <-c.send:
			for _, msg := range batch {
				if err := c.write(websocket.TextMessage, msg); err != nil {
					slog.Debug("realtime: write failed", "connection_id", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
