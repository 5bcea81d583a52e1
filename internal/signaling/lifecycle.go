package signaling

import (
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// connect binds c's identity to its connection. A connection claiming an
// identity that is already bound takes it over; the older connection is
// handled as if it had disconnected.
func (h *Hub) connect(c *Client) {
	if prev, ok := h.presence.Channel(c.identity); ok && prev != c {
		h.log.Info("identity taken over", "identity", c.identity, "remote", c.remoteAddr())
		h.cleanup(c.identity, prev)
	}

	h.presence.Register(c.identity, c.name, c)
	h.log.Info("client connected", "identity", c.identity, "name", c.name, "remote", c.remoteAddr(), "online", h.presence.Len())

	// The presence broadcast that follows the registration reaches c after
	// its info message.
	h.sendInfo(c)
}

// disconnect handles a closed connection, graceful or not.
func (h *Hub) disconnect(c *Client) {
	h.cleanup(c.identity, c)
}

// evict drops a connection that can no longer be written to. It is
// equivalent to that connection disconnecting.
func (h *Hub) evict(c *Client) {
	h.log.Warn("evicting unreachable client", "identity", c.identity)
	h.cleanup(c.identity, c)
}

// cleanup unbinds c from identity, tears down its call and tells the other
// participant. It does nothing beyond closing c when identity has already
// moved to another connection.
func (h *Hub) cleanup(identity string, c *Client) {
	c.Close()

	entry, ok := h.presence.RemoveChannel(identity, c)
	if !ok {
		return
	}
	h.log.Info("client disconnected", "identity", identity, "online", h.presence.Len())

	call, ok := h.calls.Drop(identity)
	if !ok {
		return
	}
	peer := call.Peer(identity)
	h.deliver(&protocol.Envelope{
		Type:            protocol.TypeCallEnded,
		From:            identity,
		FromDisplayName: entry.DisplayName,
		To:              peer,
		ToDisplayName:   h.nameOf(peer),
		Reason:          protocol.ReasonPeerDisconnected,
		Timestamp:       h.now(),
	})
}

func (h *Hub) sendInfo(c *Client) {
	h.send(c, &protocol.Envelope{
		Type:          protocol.TypeInfo,
		To:            c.identity,
		ToDisplayName: h.nameOf(c.identity),
		Timestamp:     h.now(),
	})
}

func (h *Hub) nameOf(identity string) string {
	e, ok := h.presence.Lookup(identity)
	if !ok {
		return ""
	}
	return e.DisplayName
}

func (h *Hub) now() int64 {
	return h.clock.Now().UnixMilli()
}
