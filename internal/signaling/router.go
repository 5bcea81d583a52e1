package signaling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// ErrUndeliverable is returned when an envelope cannot be queued for its
// recipient, either because the recipient is gone or because it cannot keep up.
var ErrUndeliverable = errors.New("recipient unreachable")

// Router delivers envelopes to the channel bound to an identity. It never
// inspects or changes the payload.
type Router struct {
	presence *presence.Registry[*Client]
	log      *slog.Logger
}

// NewRouter creates a router resolving recipients through registry.
func NewRouter(registry *presence.Registry[*Client], log *slog.Logger) *Router {
	return &Router{presence: registry, log: log}
}

// Deliver queues env for env.To.
func (r *Router) Deliver(env *protocol.Envelope) error {
	c, ok := r.presence.Channel(env.To)
	if !ok {
		return fmt.Errorf("deliver %s to %q: %w: %w", env.Type, env.To, ErrUndeliverable, presence.ErrNotFound)
	}
	return r.SendTo(c, env)
}

// SendTo queues env on c.
func (r *Router) SendTo(c *Client, env *protocol.Envelope) error {
	if err := c.enqueue(env); err != nil {
		r.log.Warn("envelope dropped", "identity", c.identity, "type", env.Type, "error", err)
		return fmt.Errorf("deliver %s to %q: %w", env.Type, c.identity, err)
	}
	return nil
}

// BroadcastPresence sends the current snapshot to every connected identity.
// Delivery is best effort; the clients that could not take it are returned.
func (r *Router) BroadcastPresence() []*Client {
	env := &protocol.Envelope{Type: protocol.TypeUsers, Users: r.presence.Snapshot()}

	var failed []*Client
	for _, c := range r.presence.Channels() {
		if err := r.SendTo(c, env); err != nil {
			failed = append(failed, c)
		}
	}
	r.log.Debug("presence broadcast", "users", len(env.Users), "failed", len(failed))
	return failed
}

// SendPresence sends the current snapshot to c alone.
func (r *Router) SendPresence(c *Client) error {
	return r.SendTo(c, &protocol.Envelope{Type: protocol.TypeUsers, Users: r.presence.Snapshot()})
}
