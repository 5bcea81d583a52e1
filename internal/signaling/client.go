package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// ConnectRequest is what a client claims when it opens its channel.
type ConnectRequest struct {
	// Identity is a previously assigned identity to resume, or empty.
	Identity    string
	DisplayName string
}

// Client is a wrapper for a single websocket connection.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec protocol.Codec

	// identity and name are settled before the pumps start and never change
	// for the lifetime of the connection; renames go through the registry.
	identity string
	name     string

	limiter *rate.Limiter

	// send is a buffered queue of outbound envelopes drained by WritePump,
	// the only writer on conn.
	mu     sync.Mutex
	send   chan *protocol.Envelope
	closed bool
}

// NewClient wraps conn for hub. codec selects the frame encoding. The
// requested identity is honoured when it is well formed, otherwise a fresh
// one is minted.
func NewClient(hub *Hub, conn *websocket.Conn, codec protocol.Codec, req ConnectRequest) *Client {
	limit := rate.Inf
	if hub.cfg.RateLimit > 0 {
		limit = rate.Limit(hub.cfg.RateLimit)
	}
	identity, name := claim(req)
	return &Client{
		hub:      hub,
		conn:     conn,
		codec:    codec,
		identity: identity,
		name:     name,
		limiter:  rate.NewLimiter(limit, hub.cfg.RateBurst),
		send:     make(chan *protocol.Envelope, hub.cfg.SendQueueSize),
	}
}

// Identity returns the identity assigned to this connection.
func (c *Client) Identity() string {
	return c.identity
}

// enqueue queues env for delivery without blocking. A full or closed queue
// means the recipient cannot keep up and the envelope is dropped.
func (c *Client) enqueue(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrUndeliverable
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrUndeliverable
	}
}

// Close stops the write pump, which closes the connection. It is safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("read failed", "remote", c.remoteAddr(), "identity", c.identity, "error", err)
			}
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			c.hub.log.Debug("malformed frame", "identity", c.identity, "error", err)
			if !c.hub.Refuse(c, protocol.ReasonMalformed) {
				return
			}
			continue
		}

		if !c.limiter.Allow() {
			if !c.hub.Refuse(c, protocol.ReasonRateLimited) {
				return
			}
			continue
		}

		if !c.hub.Dispatch(c, env) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.pingPeriod())

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Encode(env)
			if err != nil {
				c.hub.log.Error("encode failed", "identity", c.identity, "type", env.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				c.hub.log.Warn("write failed, dropping connection", "identity", c.identity, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
