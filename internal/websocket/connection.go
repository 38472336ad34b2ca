package websocket

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// ConnectionOptions tune the write side of a connection
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type outbound struct {
	data       []byte
	closeAfter bool
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so one writer
// goroutine owns the socket for data frames and pings alike
type Connection struct {
	id        string
	conn      *websocket.Conn
	identity  types.Identity
	opts      ConnectionOptions
	writeCh   chan outbound
	draining  atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket bound to identity and starts its writer.
// The identity never changes for the lifetime of the connection.
func NewConnection(conn *websocket.Conn, identity types.Identity, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		conn:     conn,
		identity: identity,
		opts:     opts,
		writeCh:  make(chan outbound, opts.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop never closes writeCh, so a Send racing with Close cannot panic
func (c *Connection) writeLoop() {
	defer func() { _ = c.Close() }()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-c.writeCh:
			if err := c.write(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.closeAfter {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session terminated"),
					time.Now().Add(c.opts.WriteTimeout))
				return
			}

		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// GetID returns the server-assigned connection id
func (c *Connection) GetID() string { return c.id }

// GetIdentity returns the identity bound at handshake
func (c *Connection) GetIdentity() types.Identity { return c.identity }

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Send encodes and queues an event without blocking
func (c *Connection) Send(event types.Event) error {
	data, err := types.EncodeEvent(event)
	if err != nil {
		return err
	}
	return c.sendRaw(outbound{data: data})
}

// FUNCTIONAL DISCOVERY: A full buffer means the client stopped reading; blocking
// here would stall the room broadcast for everyone, so the connection is dropped
// and the client recovers through reconnect and refetch
func (c *Connection) sendRaw(msg outbound) error {
	if c.draining.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- msg:
		return nil
	default:
		log.Printf("Connection %s (user %s) write buffer full, closing", c.id, c.identity.ID)
		go func() { _ = c.Close() }()
		return ErrSlowConsumer
	}
}

// SendAndClose queues a final event and closes the connection once it has been
// written. Events sent afterwards are rejected.
func (c *Connection) SendAndClose(event types.Event) error {
	data, err := types.EncodeEvent(event)
	if err != nil {
		_ = c.Close()
		return err
	}
	err = c.sendRaw(outbound{data: data, closeAfter: true})
	c.draining.Store(true)
	if err != nil {
		_ = c.Close()
	}
	return err
}

// Close is idempotent
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
