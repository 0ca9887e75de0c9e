package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	maxMessageSize = 16 * 1024 * 1024
	sendBufferSize = 256
)

// Options configures a Client.
type Options struct {
	// ConnectionID is generated when empty.
	ConnectionID string
	WebhookID    string

	// OnHeartbeat runs for every valid inbound message.
	OnHeartbeat func(connectionID string)

	// OnClose runs once when the client shuts down.
	OnClose func(connectionID string)

	// PingInterval overrides the websocket ping period.
	PingInterval time.Duration
}

// Client is one connected tunnel.
type Client struct {
	ID        string
	WebhookID string

	conn         *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	pingInterval time.Duration

	mu      sync.Mutex
	pending map[string]chan *Message

	onHeartbeat func(string)
	onClose     func(string)
}

// NewClient wraps an accepted websocket.
func NewClient(conn *websocket.Conn, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := opts.ConnectionID
	if id == "" {
		id = uuid.New().String()
	}
	interval := opts.PingInterval
	if interval <= 0 {
		interval = pingInterval
	}
	return &Client{
		ID:           id,
		WebhookID:    opts.WebhookID,
		conn:         conn,
		sendCh:       make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: interval,
		pending:      make(map[string]chan *Message),
		onHeartbeat:  opts.OnHeartbeat,
		onClose:      opts.OnClose,
	}
}

// Run starts the write and ping loops and blocks in the read loop until the
// connection ends.
func (c *Client) Run() {
	go c.writePump()
	go c.pingPump()
	c.readPump()
}

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection. Pending deliveries fail with ErrClosed.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		c.pending = make(map[string]chan *Message)
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose(c.ID)
		}

		if reason == "" {
			reason = "closing"
		}
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

// Send queues a message without waiting for it to be written.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		log.Warn().Str("connection_id", c.ID).Msg("Tunnel send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

// SendError sends an error message to the client.
func (c *Client) SendError(message string) error {
	return c.Send(&Message{Type: TypeError, Message: message})
}

// Deliver pushes an event message and waits for the matching ack, response
// or reject. A request id is assigned when the message has none.
func (c *Client) Deliver(ctx context.Context, msg *Message) (*Message, error) {
	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}

	replyCh := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) readPump() {
	defer c.Close("")

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("Tunnel read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.SendError("invalid JSON message")
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("Tunnel write error")
				c.Close("write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("Ping failed")
				c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch {
	case msg.Type == TypeHeartbeat:
		c.touch()
		_ = c.Send(&Message{Type: TypeHeartbeat})
	case msg.IsReply():
		c.touch()
		c.resolve(msg)
	default:
		_ = c.SendError("unknown message type")
	}
}

func (c *Client) touch() {
	if c.onHeartbeat != nil {
		c.onHeartbeat(c.ID)
	}
}

func (c *Client) resolve(msg *Message) {
	if msg.RequestID == "" {
		_ = c.SendError(string(msg.Type) + " requires requestId")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	c.mu.Unlock()

	if !ok {
		log.Debug().
			Str("connection_id", c.ID).
			Str("request_id", msg.RequestID).
			Msg("Reply for unknown or expired request")
		return
	}

	select {
	case ch <- msg:
	default:
	}
}
