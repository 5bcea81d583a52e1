// Package session holds the per-call negotiation state machine.
//
// A call moves Offered -> Answering -> Active and ends as Ended, Rejected or
// Failed. Idle is implicit: an identity with no recorded call is idle. No
// identity may be party to more than one call at a time, as caller or callee.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultOfferTimeout is how long a callee has to accept or reject an offer.
const DefaultOfferTimeout = 30 * time.Second

// Phase is the negotiation state of a call.
type Phase int

const (
	PhaseOffered Phase = iota + 1
	PhaseAnswering
	PhaseActive
	PhaseEnded
	PhaseRejected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseOffered:
		return "offered"
	case PhaseAnswering:
		return "answering"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseRejected:
		return "rejected"
	case PhaseFailed:
		return "failed"
	}
	return "idle"
}

// Terminal reports whether p ends the call.
func (p Phase) Terminal() bool {
	return p >= PhaseEnded
}

// Call is a snapshot of one call attempt.
type Call struct {
	ID        string
	Caller    string
	Callee    string
	Phase     Phase
	CreatedAt time.Time
}

// Peer returns the participant on the other side from identity.
func (c Call) Peer(identity string) string {
	if identity == c.Caller {
		return c.Callee
	}
	return c.Caller
}

// Partners is the slice of the presence registry the machine keeps in step
// with its calls.
type Partners interface {
	SetPartner(identity, partner string) error
}

type call struct {
	Call
	timer Timer
}

// Machine owns every in-flight call. All transitions run under one lock so
// the busy check and the creation of a call are atomic.
type Machine struct {
	mu      sync.Mutex
	calls   map[string]*call
	byParty map[string]*call

	partners Partners
	clock    Clock
	timeout  time.Duration
	onExpire   func(Call)
	onDeadline func(id string)
	log        *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithOfferTimeout sets how long an offer may stay unanswered.
func WithOfferTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the machine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// OnExpire registers fn to run after an unanswered offer has been moved to
// Rejected. fn runs on the timer's goroutine without the machine lock held.
func OnExpire(fn func(Call)) Option {
	return func(m *Machine) { m.onExpire = fn }
}

// OnDeadline hands the ID of a call whose offer timer fired to fn instead of
// expiring it on the timer's goroutine. The call stays Offered until the
// owner calls Expire, so it can retire the call and notify its parties in one
// step. OnExpire is not used when OnDeadline is set.
func OnDeadline(fn func(id string)) Option {
	return func(m *Machine) { m.onDeadline = fn }
}

// NewMachine creates a machine that mirrors call partners into partners.
func NewMachine(partners Partners, opts ...Option) *Machine {
	m := &Machine{
		calls:    make(map[string]*call),
		byParty:  make(map[string]*call),
		partners: partners,
		clock:    RealClock{},
		timeout:  DefaultOfferTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offer starts a call from caller to callee. It fails with ErrBusy when
// either side already has a call, including a pending offer in the other
// direction, and with ErrNotFound when either side is not connected.
func (m *Machine) Offer(caller, callee string) (Call, error) {
	if caller == callee {
		return Call{}, refuse("offer", caller, callee, ErrSelfCall)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byParty[caller]; busy {
		return Call{}, refuse("offer", caller, callee, ErrBusy)
	}
	if _, busy := m.byParty[callee]; busy {
		return Call{}, refuse("offer", caller, callee, ErrBusy)
	}

	if err := m.partners.SetPartner(caller, callee); err != nil {
		return Call{}, refuse("offer", caller, callee, ErrNotFound)
	}
	if err := m.partners.SetPartner(callee, caller); err != nil {
		_ = m.partners.SetPartner(caller, "")
		return Call{}, refuse("offer", caller, callee, ErrNotFound)
	}

	c := &call{Call: Call{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Phase:     PhaseOffered,
		CreatedAt: m.clock.Now(),
	}}
	id := c.ID
	c.timer = m.clock.AfterFunc(m.timeout, func() { m.deadline(id) })

	m.calls[c.ID] = c
	m.byParty[caller] = c
	m.byParty[callee] = c

	m.log.Info("call offered", "call", c.ID, "caller", caller, "callee", callee)
	return c.Call, nil
}

// Accept moves an offered call to Answering. Only the callee may accept.
func (m *Machine) Accept(from, to string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.between("accept", from, to)
	if err != nil {
		return Call{}, err
	}
	if c.Callee != from || c.Phase != PhaseOffered {
		return c.Call, refuse("accept", from, to, ErrInvalidTransition)
	}

	c.timer.Stop()
	c.Phase = PhaseAnswering
	m.log.Debug("call accepted", "call", c.ID)
	return c.Call, nil
}

// Reject ends an offered call on the callee's request.
func (m *Machine) Reject(from, to string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.between("reject", from, to)
	if err != nil {
		return Call{}, err
	}
	if c.Callee != from || c.Phase != PhaseOffered {
		return c.Call, refuse("reject", from, to, ErrInvalidTransition)
	}

	m.finish(c, PhaseRejected)
	m.log.Info("call rejected", "call", c.ID)
	return c.Call, nil
}

// Answer moves an accepted call to Active once the callee's session
// description is on its way.
func (m *Machine) Answer(from, to string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.between("answer", from, to)
	if err != nil {
		return Call{}, err
	}
	if c.Callee != from || c.Phase != PhaseAnswering {
		return c.Call, refuse("answer", from, to, ErrInvalidTransition)
	}

	c.Phase = PhaseActive
	m.log.Info("call active", "call", c.ID)
	return c.Call, nil
}

// End terminates the call between from and to. Either participant may end
// it in any non-terminal phase; a caller ending an offered call cancels it.
func (m *Machine) End(from, to string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.between("end", from, to)
	if err != nil {
		return Call{}, err
	}

	m.finish(c, PhaseEnded)
	m.log.Info("call ended", "call", c.ID, "by", from)
	return c.Call, nil
}

// Between returns the live call joining from and to. Candidates may only be
// relayed while such a call exists.
func (m *Machine) Between(from, to string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.between("relay", from, to)
	if err != nil {
		return Call{}, err
	}
	return c.Call, nil
}

// Drop force-terminates the call of identity after it lost its connection.
func (m *Machine) Drop(identity string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byParty[identity]
	if !ok {
		return Call{}, false
	}

	m.finish(c, PhaseFailed)
	m.log.Info("call dropped", "call", c.ID, "lost", identity)
	return c.Call, true
}

// CallOf returns the call identity is party to.
func (m *Machine) CallOf(identity string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byParty[identity]
	if !ok {
		return Call{}, false
	}
	return c.Call, true
}

// Len returns the number of live calls.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Close cancels all pending offer timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.calls {
		c.timer.Stop()
	}
}

// Expire moves the call id to Rejected if it is still waiting for the
// callee. It reports false when the call has moved on or no longer exists.
func (m *Machine) Expire(id string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok || c.Phase != PhaseOffered {
		return Call{}, false
	}
	m.finish(c, PhaseRejected)
	m.log.Info("offer timed out", "call", id, "caller", c.Caller, "callee", c.Callee)
	return c.Call, true
}

func (m *Machine) deadline(id string) {
	if m.onDeadline != nil {
		m.onDeadline(id)
		return
	}
	if c, ok := m.Expire(id); ok && m.onExpire != nil {
		m.onExpire(c)
	}
}

// between must be called with m.mu held.
func (m *Machine) between(op, from, to string) (*call, error) {
	c, ok := m.byParty[from]
	if !ok || c.Peer(from) != to {
		return nil, refuse(op, from, to, ErrNoSession)
	}
	return c, nil
}

// finish must be called with m.mu held.
func (m *Machine) finish(c *call, phase Phase) {
	c.timer.Stop()
	c.Phase = phase

	delete(m.calls, c.ID)
	delete(m.byParty, c.Caller)
	delete(m.byParty, c.Callee)

	// Either side may already be gone from presence.
	_ = m.partners.SetPartner(c.Caller, "")
	_ = m.partners.SetPartner(c.Callee, "")
}
