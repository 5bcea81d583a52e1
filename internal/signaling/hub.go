// Package signaling relays call-signaling envelopes between connected
// identities over WebSocket connections.
package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/session"
)

// Config holds the relay's connection and call limits.
type Config struct {
	// OfferTimeout is how long an offer may stay unanswered.
	OfferTimeout time.Duration

	// WriteWait is the time allowed to write a message to the peer.
	WriteWait time.Duration

	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration

	// SendQueueSize bounds the outbound queue per connection. A recipient
	// whose queue is full is treated as gone.
	SendQueueSize int

	// MaxMessageSize is the largest frame accepted from a peer.
	MaxMessageSize int64

	// RateLimit is the sustained number of inbound envelopes per second per
	// connection; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		OfferTimeout:   session.DefaultOfferTimeout,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		SendQueueSize:  256,
		MaxMessageSize: 64 * 1024,
		RateLimit:      50,
		RateBurst:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = d.OfferTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// pingPeriod must be less than PongWait.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

type inbound struct {
	client *Client
	env    *protocol.Envelope

	// reason is set instead of env for a frame the read pump dropped.
	reason string
}

// Hub is the central brain of the relay. Presence and call state are
// mutated only from the goroutine running Run; offer timers only hand the
// expired call back to it.
type Hub struct {
	cfg   Config
	log   *slog.Logger
	clock session.Clock

	presence *presence.Registry[*Client]
	calls    *session.Machine
	router   *Router

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	expired    chan string
	done       chan struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock replaces the wall clock used for timestamps and offer timers.
func WithClock(c session.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a hub. Run must be started before clients are served.
func NewHub(cfg Config, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:        cfg.withDefaults(),
		log:        slog.Default(),
		clock:      session.RealClock{},
		presence:   presence.NewRegistry[*Client](),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		expired:    make(chan string, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.router = NewRouter(h.presence, h.log.With("component", "router"))
	h.calls = session.NewMachine(h.presence,
		session.WithClock(h.clock),
		session.WithOfferTimeout(h.cfg.OfferTimeout),
		session.WithLogger(h.log.With("component", "session")),
		session.OnDeadline(func(id string) {
			select {
			case h.expired <- id:
			case <-h.done:
			}
		}),
	)
	h.log = h.log.With("component", "hub")
	return h
}

// Register hands a freshly upgraded client to the hub. It reports false
// once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister reports that c's connection has closed.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch passes an envelope read from c to the hub. It reports false once
// the hub has stopped.
func (h *Hub) Dispatch(c *Client, env *protocol.Envelope) bool {
	select {
	case h.inbound <- inbound{client: c, env: env}:
		return true
	case <-h.done:
		return false
	}
}

// Refuse reports a frame from c that was dropped before it could be
// dispatched, so the hub can tell c why. It reports false once the hub has
// stopped.
func (h *Hub) Refuse(c *Client, reason string) bool {
	select {
	case h.inbound <- inbound{client: c, reason: reason}:
		return true
	case <-h.done:
		return false
	}
}

// Presence returns the current presence snapshot.
func (h *Hub) Presence() []protocol.User {
	return h.presence.Snapshot()
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run starts the hub's main processing loop and blocks until ctx is done.
// This is the single goroutine that binds and unbinds connections and acts
// on their envelopes.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.connect(c)

		case c := <-h.unregister:
			h.disconnect(c)

		case in := <-h.inbound:
			if in.env == nil {
				h.dropped(in.client, in.reason)
			} else {
				h.handle(in.client, in.env)
			}

		case id := <-h.expired:
			if call, ok := h.calls.Expire(id); ok {
				h.offerExpired(call)
			}

		case <-h.presence.Changed():
			for _, c := range h.router.BroadcastPresence() {
				h.evict(c)
			}
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.calls.Close()
	for _, c := range h.presence.Channels() {
		c.Close()
	}
	h.log.Info("hub stopped")
}
