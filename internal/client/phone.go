package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// ErrNoCall is returned when an action needs a call and there is none.
var ErrNoCall = errors.New("no call in progress")

// ErrInCall is returned when starting a call while another is in progress.
var ErrInCall = errors.New("already in a call")

// MediaPeer is the part of media.Peer a Phone drives.
type MediaPeer interface {
	CreateOffer() (string, error)
	Accept(offerPayload string) (string, error)
	SetAnswer(answerPayload string) error
	AddCandidate(payload string) error
	Candidates() <-chan string
	Close() error
}

// Phone places and answers one call at a time over a Client, feeding the
// media peer with what the other side signals.
type Phone struct {
	client  *Client
	newPeer func() (MediaPeer, error)

	mu     sync.Mutex
	remote string
	peer   MediaPeer
	stop   chan struct{}

	// offerer is the sender of the offer waiting to be accepted. early holds
	// the candidates it trickled before the accept.
	offerer string
	early   []string
}

// NewPhone creates a phone that builds pion peers from cfg.
func NewPhone(c *Client, cfg media.Config) *Phone {
	return NewPhoneWith(c, func() (MediaPeer, error) {
		return media.NewPeer(cfg)
	})
}

// NewPhoneWith creates a phone with a custom peer constructor.
func NewPhoneWith(c *Client, newPeer func() (MediaPeer, error)) *Phone {
	return &Phone{client: c, newPeer: newPeer}
}

// Remote returns the identity of the other participant, or empty.
func (p *Phone) Remote() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Call offers a call to identity.
func (p *Phone) Call(identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote != "" {
		return ErrInCall
	}
	peer, err := p.newPeer()
	if err != nil {
		return err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		peer.Close()
		return err
	}
	if err := p.client.Signal(protocol.TypeOffer, identity, offer); err != nil {
		peer.Close()
		return err
	}

	p.attach(identity, peer)
	return nil
}

// Accept answers an incoming offer.
func (p *Phone) Accept(offer *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.peer != nil {
		return ErrInCall
	}
	peer, err := p.newPeer()
	if err != nil {
		return err
	}
	answer, err := peer.Accept(offer.Payload)
	if err != nil {
		peer.Close()
		return fmt.Errorf("accept offer from %s: %w", offer.From, err)
	}

	if err := p.client.Signal(protocol.TypeCallAccepted, offer.From, ""); err != nil {
		peer.Close()
		return err
	}
	if err := p.client.Signal(protocol.TypeAnswer, offer.From, answer); err != nil {
		peer.Close()
		return err
	}

	var early []string
	if offer.From == p.offerer {
		early = p.early
	}
	p.offerer, p.early = "", nil
	p.attach(offer.From, peer)
	for _, c := range early {
		_ = peer.AddCandidate(c)
	}
	return nil
}

// Reject declines an incoming offer from identity.
func (p *Phone) Reject(identity string) error {
	p.mu.Lock()
	if identity == p.offerer {
		p.offerer, p.early = "", nil
	}
	p.mu.Unlock()
	return p.client.Signal(protocol.TypeCallRejected, identity, "")
}

// Hangup ends the current call.
func (p *Phone) Hangup() error {
	p.mu.Lock()
	remote := p.remote
	p.teardown()
	p.mu.Unlock()

	if remote == "" {
		return ErrNoCall
	}
	return p.client.Signal(protocol.TypeCallEnded, remote, "")
}

// Chat sends a text message to identity.
func (p *Phone) Chat(identity, text string) error {
	return p.client.Signal(protocol.TypeChatMessage, identity, text)
}

// Handle applies a signal from the relay to the media side of the call.
func (p *Phone) Handle(env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Type {
	case protocol.TypeOffer:
		if p.peer == nil {
			p.offerer, p.early = env.From, nil
		}

	case protocol.TypeAnswer:
		if p.peer == nil || env.From != p.remote {
			return ErrNoCall
		}
		return p.peer.SetAnswer(env.Payload)

	case protocol.TypeICECandidate:
		if p.peer == nil {
			if env.From != p.offerer {
				return ErrNoCall
			}
			p.early = append(p.early, env.Payload)
			return nil
		}
		if env.From != p.remote {
			return ErrNoCall
		}
		return p.peer.AddCandidate(env.Payload)

	case protocol.TypeCallRejected, protocol.TypeCallEnded:
		if env.From == p.remote {
			p.teardown()
		} else if env.From == p.offerer {
			p.offerer, p.early = "", nil
		}
	}
	return nil
}

// Close ends any call without telling the other side.
func (p *Phone) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardown()
}

// attach must be called with p.mu held.
func (p *Phone) attach(remote string, peer MediaPeer) {
	p.remote = remote
	p.peer = peer
	p.stop = make(chan struct{})
	go p.trickle(remote, peer.Candidates(), p.stop)
}

// teardown must be called with p.mu held.
func (p *Phone) teardown() {
	if p.peer != nil {
		close(p.stop)
		p.peer.Close()
	}
	p.peer = nil
	p.remote = ""
	p.offerer, p.early = "", nil
}

func (p *Phone) trickle(remote string, candidates <-chan string, stop <-chan struct{}) {
	for {
		select {
		case c, ok := <-candidates:
			if !ok {
				return
			}
			if err := p.client.Signal(protocol.TypeICECandidate, remote, c); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
