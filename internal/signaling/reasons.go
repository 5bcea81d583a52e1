package signaling

import (
	"errors"

	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/session"
)

// reasonFor maps an error to the reason code sent back to clients.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return protocol.ReasonBusy
	case errors.Is(err, session.ErrSelfCall):
		return protocol.ReasonSelfCall
	case errors.Is(err, session.ErrNoSession):
		return protocol.ReasonNoSession
	case errors.Is(err, session.ErrInvalidTransition):
		return protocol.ReasonInvalidTransition
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, presence.ErrNotFound),
		errors.Is(err, ErrUndeliverable):
		return protocol.ReasonNotFound
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return protocol.ReasonMalformed
	}
	return ""
}
