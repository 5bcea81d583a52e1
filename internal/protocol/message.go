package protocol

// Envelope is the single wire shape for every message between a client and
// the relay, in both directions.
//
// Payload is opaque to the relay: session descriptions, connectivity
// candidates and chat text are forwarded byte-for-byte.
type Envelope struct {
	Type            string `json:"type" msgpack:"type"`
	From            string `json:"from,omitempty" msgpack:"from,omitempty"`
	FromDisplayName string `json:"fromDisplayName,omitempty" msgpack:"fromDisplayName,omitempty"`
	To              string `json:"to,omitempty" msgpack:"to,omitempty"`
	ToDisplayName   string `json:"toDisplayName,omitempty" msgpack:"toDisplayName,omitempty"`
	Payload         string `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Reason explains relay-generated rejections, terminations and errors.
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`

	// Users is only set on presence snapshots.
	Users []User `json:"users,omitempty" msgpack:"users,omitempty"`

	// Timestamp is stamped by the relay, in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// User is one row of a presence snapshot.
type User struct {
	Identity    string `json:"identity" msgpack:"identity"`
	DisplayName string `json:"displayName" msgpack:"displayName"`
	InCall      bool   `json:"inCall" msgpack:"inCall"`
}

// Signaling types exchanged between correspondents.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallAccepted = "call-accepted"
	TypeCallRejected = "call-rejected"
	TypeCallEnded    = "call-ended"
	TypeChatMessage  = "chat-message"
)

// Control requests sent by clients to the relay itself.
const (
	TypeRefreshUsers = "refresh-users"
	TypeSetName      = "set-name"
	TypeGetInfo      = "get-info"
)

// Messages originated by the relay.
const (
	TypeInfo  = "info"
	TypeUsers = "users"
	TypeError = "error"
)

// Reason codes carried in Envelope.Reason.
const (
	ReasonBusy              = "busy"
	ReasonNotFound          = "not-found"
	ReasonNoSession         = "no-session"
	ReasonInvalidTransition = "invalid-transition"
	ReasonSelfCall          = "self-call"
	ReasonTimeout           = "timeout"
	ReasonPeerDisconnected  = "peer-disconnected"
	ReasonMalformed         = "malformed"
	ReasonRateLimited       = "rate-limited"
	ReasonUnknownType       = "unknown-type"
	ReasonInvalidName       = "invalid-name"
	ReasonMissingRecipient  = "missing-recipient"
)

// IsSignal reports whether t is one of the correspondent-to-correspondent
// types that the relay routes to Envelope.To.
func IsSignal(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate,
		TypeCallAccepted, TypeCallRejected, TypeCallEnded,
		TypeChatMessage:
		return true
	}
	return false
}
