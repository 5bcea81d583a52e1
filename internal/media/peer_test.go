package media

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	p, err := NewPeer(Config{LogLevel: slog.LevelError, LogWriter: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPeer_Offer_Answer(t *testing.T) {
	req := require.New(t)
	caller, callee := newTestPeer(t), newTestPeer(t)

	// Given the caller's offer
	offer, err := caller.CreateOffer()
	req.NoError(err)

	var desc map[string]string
	req.NoError(json.Unmarshal([]byte(offer), &desc))
	req.Equal("offer", desc["type"])
	req.Contains(desc["sdp"], "m=audio")
	req.Contains(desc["sdp"], "m=application")

	// When the callee accepts it
	answer, err := callee.Accept(offer)
	req.NoError(err)
	req.Contains(answer, `"type":"answer"`)

	// Then the caller can apply the answer
	req.NoError(caller.SetAnswer(answer))
}

func TestPeer_Rejects_Malformed_Payloads(t *testing.T) {
	req := require.New(t)
	p := newTestPeer(t)

	_, err := p.Accept("not json")
	req.ErrorIs(err, ErrMalformedPayload)

	_, err = p.Accept(`{"type":"answer","sdp":"v=0"}`)
	req.ErrorIs(err, ErrMalformedPayload)

	req.ErrorIs(p.SetAnswer(`{"type":"offer","sdp":"v=0"}`), ErrMalformedPayload)
	req.ErrorIs(p.AddCandidate("{"), ErrMalformedPayload)
}

func TestPeer_Holds_Early_Candidates(t *testing.T) {
	req := require.New(t)
	caller, callee := newTestPeer(t), newTestPeer(t)
	mid := "0"
	var index uint16
	candidate, err := json.Marshal(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
	req.NoError(err)

	// A candidate before any description is held, not rejected
	req.NoError(callee.AddCandidate(string(candidate)))
	req.Len(callee.pending, 1)

	offer, err := caller.CreateOffer()
	req.NoError(err)
	_, err = callee.Accept(offer)
	req.NoError(err)
	req.Empty(callee.pending)
}

func TestConfiguration(t *testing.T) {
	req := require.New(t)

	c := configuration(Config{STUNServers: []string{"stun:stun.example:3478"}, ForceRelay: true})
	req.Len(c.ICEServers, 1)
	req.NotEqual(webrtc.ICETransportPolicyRelay, c.ICETransportPolicy)

	c = configuration(Config{
		TURNServers: []string{"turn:turn.example:3478"},
		TURNUser:    "u",
		TURNPass:    "p",
		ForceRelay:  true,
	})
	req.Len(c.ICEServers, 1)
	req.Equal("p", c.ICEServers[0].Credential)
	req.Equal(webrtc.ICETransportPolicyRelay, c.ICETransportPolicy)
}

func TestLoggerFactory_Level(t *testing.T) {
	req := require.New(t)
	req.Equal(logging.LogLevelDebug, loggerFactory(Config{LogLevel: slog.LevelDebug}).DefaultLogLevel)
	req.Equal(logging.LogLevelWarn, loggerFactory(Config{LogLevel: slog.LevelWarn}).DefaultLogLevel)
	req.Equal(logging.LogLevelError, loggerFactory(Config{LogLevel: slog.LevelError}).DefaultLogLevel)
}

func TestRestricted(t *testing.T) {
	req := require.New(t)
	lan := &net.IPNet{IP: net.ParseIP("192.168.1.10"), Mask: net.CIDRMask(24, 32)}
	carrier := &net.IPNet{IP: net.ParseIP("100.100.1.2"), Mask: net.CIDRMask(10, 32)}

	req.False(restricted("eth0", []net.Addr{lan}))
	req.True(restricted("wg0", nil))
	req.True(restricted("utun3", nil))
	req.True(restricted("en0", []net.Addr{carrier}))
}
