package client

import (
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// Handler routes incoming envelopes to typed channels.
type Handler struct {
	client *Client

	// Info carries the identity and name the relay assigned, latest first.
	Info chan *protocol.Envelope

	// Users carries the most recent presence snapshot. Older snapshots that
	// were never read are replaced.
	Users chan []protocol.User

	// Signals carries every correspondent-to-correspondent envelope.
	Signals chan *protocol.Envelope

	// Errors carries relay error envelopes.
	Errors chan *protocol.Envelope
}

// NewHandler creates a new message handler.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:  client,
		Info:    make(chan *protocol.Envelope, 1),
		Users:   make(chan []protocol.User, 1),
		Signals: make(chan *protocol.Envelope, 64),
		Errors:  make(chan *protocol.Envelope, 8),
	}
}

// Start routes messages until the connection ends, then closes every
// channel.
func (h *Handler) Start() {
	defer h.close()

	for env := range h.client.Incoming() {
		switch {
		case env.Type == protocol.TypeInfo:
			latest(h.Info, env)

		case env.Type == protocol.TypeUsers:
			latest(h.Users, env.Users)

		case env.Type == protocol.TypeError:
			select {
			case h.Errors <- env:
			default:
				h.client.log.Warn("error dropped", "reason", env.Reason)
			}

		case protocol.IsSignal(env.Type):
			h.Signals <- env

		default:
			h.client.log.Debug("ignoring message", "type", env.Type)
		}
	}
}

// latest replaces whatever is buffered in ch with v. ch must have a buffer
// of one and a single sender.
func latest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (h *Handler) close() {
	close(h.Info)
	close(h.Users)
	close(h.Signals)
	close(h.Errors)
}
