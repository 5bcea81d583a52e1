// Package media drives a WebRTC peer connection for one call. The relay only
// carries what this package produces: session descriptions and candidates
// serialised the way browsers serialise RTCSessionDescription and
// RTCIceCandidateInit.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// ErrMalformedPayload is returned when a signaling payload is not a session
// description or candidate.
var ErrMalformedPayload = errors.New("malformed media payload")

// Config selects ICE servers and logging for a peer.
type Config struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string

	// ForceRelay restricts candidates to TURN relays. It only applies when
	// TURN servers are configured.
	ForceRelay bool

	LogLevel  slog.Level
	LogWriter io.Writer
}

// Peer is one side of a call.
type Peer struct {
	pc  *webrtc.PeerConnection
	log logging.LeveledLogger

	candidates chan string
	connected  chan struct{}
	failed     chan struct{}
	stateOnce  sync.Once

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

// NewPeer creates a peer with an audio transceiver and a chat data channel
// so that its offers carry media sections a browser will answer.
func NewPeer(cfg Config) (*Peer, error) {
	factory := loggerFactory(cfg)

	se := webrtc.SettingEngine{LoggerFactory: factory}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(configuration(cfg))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:         pc,
		log:        factory.NewLogger("call"),
		candidates: make(chan string, 32),
		connected:  make(chan struct{}),
		failed:     make(chan struct{}),
	}
	p.setupHandlers()
	return p, nil
}

func configuration(cfg Config) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}

	c := webrtc.Configuration{ICEServers: servers}
	if cfg.ForceRelay && len(cfg.TURNServers) > 0 {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c
}

func loggerFactory(cfg Config) *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = cfg.LogWriter
	if f.Writer == nil {
		f.Writer = os.Stderr
	}
	switch {
	case cfg.LogLevel <= slog.LevelDebug:
		f.DefaultLogLevel = logging.LogLevelDebug
	case cfg.LogLevel <= slog.LevelInfo:
		f.DefaultLogLevel = logging.LogLevelInfo
	case cfg.LogLevel <= slog.LevelWarn:
		f.DefaultLogLevel = logging.LogLevelWarn
	default:
		f.DefaultLogLevel = logging.LogLevelError
	}
	return f
}

func (p *Peer) setupHandlers() {
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		p.log.Warnf("audio transceiver: %v", err)
	}
	if _, err := p.pc.CreateDataChannel("chat", nil); err != nil {
		p.log.Warnf("data channel: %v", err)
	}

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		select {
		case p.candidates <- string(data):
		default:
			p.log.Warn("candidate dropped, nobody is reading")
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debugf("connection state %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.stateOnce.Do(func() { close(p.connected) })
		case webrtc.PeerConnectionStateFailed:
			p.stateOnce.Do(func() { close(p.failed) })
		}
	})
}

// CreateOffer returns the offer payload to send to the callee.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return encodeDescription(p.pc.LocalDescription())
}

// Accept applies the caller's offer and returns the answer payload.
func (p *Peer) Accept(offerPayload string) (string, error) {
	offer, err := decodeDescription(offerPayload, webrtc.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := p.setRemote(offer); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return encodeDescription(p.pc.LocalDescription())
}

// SetAnswer applies the callee's answer.
func (p *Peer) SetAnswer(answerPayload string) error {
	answer, err := decodeDescription(answerPayload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return p.setRemote(answer)
}

// AddCandidate applies a remote candidate. Candidates that arrive before the
// remote description are held until it is set.
func (p *Peer) AddCandidate(payload string) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Candidates delivers local candidate payloads to trickle to the other side.
func (p *Peer) Candidates() <-chan string {
	return p.candidates
}

// Connected is closed once media can flow.
func (p *Peer) Connected() <-chan struct{} {
	return p.connected
}

// Failed is closed if the connection cannot be established.
func (p *Peer) Failed() <-chan struct{} {
	return p.failed
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warnf("held candidate rejected: %v", err)
		}
	}
	return nil
}

func encodeDescription(desc *webrtc.SessionDescription) (string, error) {
	if desc == nil {
		return "", errors.New("no local description")
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s description", ErrMalformedPayload, want)
	}
	return desc, nil
}
