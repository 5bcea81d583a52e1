package signaling

import (
	"errors"
	"strings"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/session"
)

// handle acts on one envelope read from c. Envelopes from a connection whose
// identity has been taken over are ignored.
func (h *Hub) handle(c *Client, env *protocol.Envelope) {
	if cur, ok := h.presence.Channel(c.identity); !ok || cur != c {
		return
	}

	// The sender is whoever owns the connection, never what the frame says.
	env.From = c.identity
	env.FromDisplayName = h.nameOf(c.identity)
	env.Timestamp = h.now()

	switch env.Type {
	case protocol.TypeRefreshUsers:
		if err := h.router.SendPresence(c); err != nil {
			h.evict(c)
		}

	case protocol.TypeGetInfo:
		h.sendInfo(c)

	case protocol.TypeSetName:
		h.rename(c, env.Payload)

	default:
		if !protocol.IsSignal(env.Type) {
			h.fail(c, protocol.ReasonUnknownType)
			return
		}
		h.relay(c, env)
	}
}

// dropped answers a frame c sent that never made it to handle.
func (h *Hub) dropped(c *Client, reason string) {
	if cur, ok := h.presence.Channel(c.identity); !ok || cur != c {
		return
	}
	h.fail(c, reason)
}

// relay applies a signaling envelope to the session machine and forwards it
// to its recipient once the transition is allowed.
func (h *Hub) relay(c *Client, env *protocol.Envelope) {
	if env.To == "" {
		h.fail(c, protocol.ReasonMissingRecipient)
		return
	}
	env.ToDisplayName = h.nameOf(env.To)

	var err error
	switch env.Type {
	case protocol.TypeOffer:
		_, err = h.calls.Offer(env.From, env.To)
	case protocol.TypeCallAccepted:
		_, err = h.calls.Accept(env.From, env.To)
	case protocol.TypeCallRejected:
		_, err = h.calls.Reject(env.From, env.To)
	case protocol.TypeAnswer:
		_, err = h.calls.Answer(env.From, env.To)
	case protocol.TypeCallEnded:
		_, err = h.calls.End(env.From, env.To)
	case protocol.TypeICECandidate:
		_, err = h.calls.Between(env.From, env.To)
	}
	if err != nil {
		h.log.Debug("signal refused", "type", env.Type, "from", env.From, "to", env.To, "error", err)
		h.refuse(c, env, err)
		return
	}

	h.log.Debug("relaying", "type", env.Type, "from", env.From, "to", env.To)
	h.deliver(env)
}

// deliver routes env to its recipient. A recipient that is bound but cannot
// take the envelope is evicted; a recipient that is not bound at all is
// reported back to the sender.
func (h *Hub) deliver(env *protocol.Envelope) {
	err := h.router.Deliver(env)
	if err == nil {
		return
	}
	if to, ok := h.presence.Channel(env.To); ok {
		h.evict(to)
		return
	}
	if from, ok := h.presence.Channel(env.From); ok {
		h.send(from, &protocol.Envelope{
			Type:      protocol.TypeError,
			To:        env.From,
			Reason:    reasonFor(err),
			Timestamp: h.now(),
		})
	}
}

// refuse answers a signal the session machine would not accept. The sender
// is always told.
func (h *Hub) refuse(c *Client, env *protocol.Envelope, err error) {
	reply := &protocol.Envelope{
		From:            env.To,
		FromDisplayName: env.ToDisplayName,
		To:              c.identity,
		ToDisplayName:   env.FromDisplayName,
		Reason:          reasonFor(err),
		Timestamp:       h.now(),
	}

	switch {
	case env.Type == protocol.TypeOffer:
		reply.Type = protocol.TypeCallRejected
	case errors.Is(err, session.ErrNoSession):
		reply.Type = protocol.TypeCallEnded
	default:
		reply.Type = protocol.TypeError
	}
	h.send(c, reply)
}

func (h *Hub) rename(c *Client, payload string) {
	name := strings.TrimSpace(payload)
	if !validName(name) {
		h.fail(c, protocol.ReasonInvalidName)
		return
	}
	if h.presence.Rename(c.identity, name) {
		h.log.Info("display name changed", "identity", c.identity, "name", name)
	}
	h.sendInfo(c)
}

// offerExpired tells both sides of an unanswered offer that it lapsed.
func (h *Hub) offerExpired(call session.Call) {
	callerName, calleeName := h.nameOf(call.Caller), h.nameOf(call.Callee)

	if c, ok := h.presence.Channel(call.Caller); ok {
		h.send(c, &protocol.Envelope{
			Type:            protocol.TypeCallRejected,
			From:            call.Callee,
			FromDisplayName: calleeName,
			To:              call.Caller,
			ToDisplayName:   callerName,
			Reason:          protocol.ReasonTimeout,
			Timestamp:       h.now(),
		})
	}
	if c, ok := h.presence.Channel(call.Callee); ok {
		h.send(c, &protocol.Envelope{
			Type:            protocol.TypeCallEnded,
			From:            call.Caller,
			FromDisplayName: callerName,
			To:              call.Callee,
			ToDisplayName:   calleeName,
			Reason:          protocol.ReasonTimeout,
			Timestamp:       h.now(),
		})
	}
}

func (h *Hub) fail(c *Client, reason string) {
	h.send(c, &protocol.Envelope{
		Type:      protocol.TypeError,
		To:        c.identity,
		Reason:    reason,
		Timestamp: h.now(),
	})
}

// send queues env on c, evicting c when it cannot keep up.
func (h *Hub) send(c *Client, env *protocol.Envelope) {
	if err := h.router.SendTo(c, env); err != nil {
		h.evict(c)
	}
}
