// Package client is the Go side of the relay protocol, used by the command
// line tools.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/resolve"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling connection closed")

// Options describes how to reach the relay.
type Options struct {
	ServerURL string

	// Identity and Name are requested on connect; the relay may assign
	// others, reported in the first info message.
	Identity string
	Name     string

	// Codec is "json" or "msgpack".
	Codec string

	// Resolver is used for host lookups when set.
	Resolver *resolve.Resolver
	Logger   *slog.Logger
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	opts  Options
	codec protocol.Codec
	log   *slog.Logger

	conn     *websocket.Conn
	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope
	done     chan struct{}
	once     sync.Once
}

// New creates a client. It does not connect.
func New(opts Options) (*Client, error) {
	codec, err := protocol.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		codec:    codec,
		log:      opts.Logger.With("component", "client"),
		incoming: make(chan *protocol.Envelope, 16),
		outgoing: make(chan *protocol.Envelope, 16),
		done:     make(chan struct{}),
	}, nil
}

// Connect establishes the WebSocket connection and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	if c.opts.Resolver != nil {
		dialer.NetDialContext = c.opts.Resolver.DialContext
	}

	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	c.log.Debug("connected", "server", u)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	if c.opts.Identity != "" {
		q.Set("id", c.opts.Identity)
	}
	if c.opts.Name != "" {
		q.Set("name", c.opts.Name)
	}
	q.Set("codec", c.codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("read stopped", "error", err)
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

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
		case env := <-c.outgoing:
			data, err := c.codec.Encode(env)
			if err != nil {
				c.log.Error("encode failed", "type", env.Type, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues env for the relay.
func (c *Client) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Signal sends a signaling envelope of type typ to identity.
func (c *Client) Signal(typ, to, payload string) error {
	return c.Send(&protocol.Envelope{Type: typ, To: to, Payload: payload})
}

// Incoming returns the channel for receiving messages. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Close closes the WebSocket connection. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
