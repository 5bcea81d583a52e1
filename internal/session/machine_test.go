package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/presence"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due action on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fixture struct {
	registry *presence.Registry[string]
	clock    *fakeClock
	machine  *Machine

	mu      sync.Mutex
	expired []Call
}

func newFixture(identities ...string) *fixture {
	f := &fixture{
		registry: presence.NewRegistry[string](),
		clock:    newFakeClock(),
	}
	for _, id := range identities {
		f.registry.Register(id, id, id)
	}
	f.machine = NewMachine(f.registry,
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		OnExpire(func(c Call) {
			f.mu.Lock()
			f.expired = append(f.expired, c)
			f.mu.Unlock()
		}),
	)
	return f
}

func (f *fixture) partner(id string) string {
	e, _ := f.registry.Lookup(id)
	return e.Partner
}

func (f *fixture) expiredCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.expired...)
}

func TestMachine_Full_Call_Lifecycle(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")

	// When u1 offers u2
	c, err := f.machine.Offer("u1", "u2")
	req.NoError(err)
	req.Equal(PhaseOffered, c.Phase)
	req.NotEmpty(c.ID)

	// Then both partner pointers are symmetric
	req.Equal("u2", f.partner("u1"))
	req.Equal("u1", f.partner("u2"))

	c, err = f.machine.Accept("u2", "u1")
	req.NoError(err)
	req.Equal(PhaseAnswering, c.Phase)

	c, err = f.machine.Answer("u2", "u1")
	req.NoError(err)
	req.Equal(PhaseActive, c.Phase)

	_, err = f.machine.Between("u1", "u2")
	req.NoError(err)

	// When u1 hangs up
	c, err = f.machine.End("u1", "u2")
	req.NoError(err)
	req.Equal(PhaseEnded, c.Phase)

	// Then the call is gone and both partners are cleared
	req.Zero(f.machine.Len())
	req.Empty(f.partner("u1"))
	req.Empty(f.partner("u2"))
	_, ok := f.machine.CallOf("u1")
	req.False(ok)

	// And the cancelled timer never fires
	f.clock.Advance(time.Minute)
	req.Empty(f.expiredCalls())
}

func TestMachine_Offer_Busy(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2", "u3")

	// Given u1 is offering u2
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	// Then any offer touching u1 or u2 is refused
	_, err = f.machine.Offer("u3", "u1")
	req.ErrorIs(err, ErrBusy)
	_, err = f.machine.Offer("u3", "u2")
	req.ErrorIs(err, ErrBusy)
	_, err = f.machine.Offer("u2", "u1")
	req.ErrorIs(err, ErrBusy)
	_, err = f.machine.Offer("u1", "u3")
	req.ErrorIs(err, ErrBusy)

	// And u3 was never bound to anyone
	req.Empty(f.partner("u3"))
	req.Equal(1, f.machine.Len())
}

func TestMachine_Offer_Refusals(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1")

	_, err := f.machine.Offer("u1", "u1")
	req.ErrorIs(err, ErrSelfCall)

	_, err = f.machine.Offer("u1", "ghost")
	req.ErrorIs(err, ErrNotFound)
	req.Empty(f.partner("u1"), "caller binding must be rolled back")

	_, err = f.machine.Offer("ghost", "u1")
	req.ErrorIs(err, ErrNotFound)

	var te *TransitionError
	req.ErrorAs(err, &te)
	req.Equal("offer", te.Op)
	req.Zero(f.machine.Len())
}

func TestMachine_Guards(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2", "u3")

	// No call yet
	_, err := f.machine.Accept("u2", "u1")
	req.ErrorIs(err, ErrNoSession)
	_, err = f.machine.End("u1", "u2")
	req.ErrorIs(err, ErrNoSession)

	_, err = f.machine.Offer("u1", "u2")
	req.NoError(err)

	// The caller cannot accept or answer its own offer
	_, err = f.machine.Accept("u1", "u2")
	req.ErrorIs(err, ErrInvalidTransition)
	_, err = f.machine.Answer("u2", "u1")
	req.ErrorIs(err, ErrInvalidTransition, "answer before accept")

	// A third party has no session with either side
	_, err = f.machine.Between("u3", "u1")
	req.ErrorIs(err, ErrNoSession)

	_, err = f.machine.Accept("u2", "u1")
	req.NoError(err)

	// Once accepted the offer can no longer be rejected or accepted again
	_, err = f.machine.Reject("u2", "u1")
	req.ErrorIs(err, ErrInvalidTransition)
	_, err = f.machine.Accept("u2", "u1")
	req.ErrorIs(err, ErrInvalidTransition)

	c, ok := f.machine.CallOf("u2")
	req.True(ok)
	req.Equal(PhaseAnswering, c.Phase)
}

func TestMachine_Reject(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	c, err := f.machine.Reject("u2", "u1")
	req.NoError(err)
	req.Equal(PhaseRejected, c.Phase)
	req.Empty(f.partner("u1"))
	req.Empty(f.partner("u2"))

	// Both are free again
	_, err = f.machine.Offer("u2", "u1")
	req.NoError(err)
}

func TestMachine_Caller_Cancels_Offer(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	c, err := f.machine.End("u1", "u2")
	req.NoError(err)
	req.Equal(PhaseEnded, c.Phase)
	req.Zero(f.machine.Len())
}

func TestMachine_Offer_Timeout(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	offered, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	// When nobody answers within the window
	f.clock.Advance(DefaultOfferTimeout)

	// Then the call is rejected exactly once and both sides are freed
	expired := f.expiredCalls()
	req.Len(expired, 1)
	req.Equal(offered.ID, expired[0].ID)
	req.Equal(PhaseRejected, expired[0].Phase)
	req.Equal("u1", expired[0].Caller)
	req.Empty(f.partner("u1"))
	req.Empty(f.partner("u2"))
	req.Zero(f.machine.Len())

	f.clock.Advance(DefaultOfferTimeout)
	req.Len(f.expiredCalls(), 1)

	_, err = f.machine.Accept("u2", "u1")
	req.ErrorIs(err, ErrNoSession)
}

func TestMachine_Accept_Just_Before_Deadline(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	f.clock.Advance(DefaultOfferTimeout - time.Second)
	_, err = f.machine.Accept("u2", "u1")
	req.NoError(err)

	f.clock.Advance(2 * time.Second)
	req.Empty(f.expiredCalls())

	c, ok := f.machine.CallOf("u1")
	req.True(ok)
	req.Equal(PhaseAnswering, c.Phase)
}

func TestMachine_Stale_Timer_Does_Not_Hit_New_Call(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")

	// Given a first offer that was cancelled
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)
	_, err = f.machine.End("u1", "u2")
	req.NoError(err)

	// And a second offer between the same pair 10s later
	f.clock.Advance(10 * time.Second)
	second, err := f.machine.Offer("u1", "u2")
	req.NoError(err)

	// When the first offer's deadline passes
	f.clock.Advance(20 * time.Second)

	// Then the second call is untouched
	req.Empty(f.expiredCalls())
	c, ok := f.machine.CallOf("u1")
	req.True(ok)
	req.Equal(second.ID, c.ID)

	f.clock.Advance(10 * time.Second)
	req.Len(f.expiredCalls(), 1)
	req.Equal(second.ID, f.expiredCalls()[0].ID)
}

func TestMachine_Deadline_Keeps_Call_Until_Expired(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry[string]()
	registry.Register("u1", "u1", "u1")
	registry.Register("u2", "u2", "u2")
	registry.Register("u3", "u3", "u3")
	clock := newFakeClock()
	var due []string
	m := NewMachine(registry, WithClock(clock), OnDeadline(func(id string) { due = append(due, id) }))

	offered, err := m.Offer("u1", "u2")
	req.NoError(err)

	// When the offer's deadline passes
	clock.Advance(DefaultOfferTimeout)

	// Then the owner is handed the call and both parties stay busy
	req.Equal([]string{offered.ID}, due)
	c, ok := m.CallOf("u2")
	req.True(ok)
	req.Equal(PhaseOffered, c.Phase)
	_, err = m.Offer("u3", "u1")
	req.ErrorIs(err, ErrBusy)

	// Until the owner expires it
	expired, ok := m.Expire(offered.ID)
	req.True(ok)
	req.Equal(PhaseRejected, expired.Phase)
	_, ok = m.Expire(offered.ID)
	req.False(ok)
	_, err = m.Offer("u3", "u1")
	req.NoError(err)
}

func TestMachine_Expire_Ignores_Accepted_Call(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	offered, err := f.machine.Offer("u1", "u2")
	req.NoError(err)
	_, err = f.machine.Accept("u2", "u1")
	req.NoError(err)

	_, ok := f.machine.Expire(offered.ID)
	req.False(ok)
	c, ok := f.machine.CallOf("u1")
	req.True(ok)
	req.Equal(PhaseAnswering, c.Phase)
}

func TestMachine_Custom_Offer_Timeout(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry[string]()
	registry.Register("u1", "u1", "u1")
	registry.Register("u2", "u2", "u2")
	clock := newFakeClock()
	fired := 0
	m := NewMachine(registry, WithClock(clock), WithOfferTimeout(5*time.Second), OnExpire(func(Call) { fired++ }))

	_, err := m.Offer("u1", "u2")
	req.NoError(err)
	clock.Advance(5 * time.Second)
	req.Equal(1, fired)
}

func TestMachine_Drop(t *testing.T) {
	req := require.New(t)
	f := newFixture("u1", "u2")
	_, err := f.machine.Offer("u1", "u2")
	req.NoError(err)
	_, err = f.machine.Accept("u2", "u1")
	req.NoError(err)
	_, err = f.machine.Answer("u2", "u1")
	req.NoError(err)

	// Given u1 has already left presence
	f.registry.Remove("u1")

	c, ok := f.machine.Drop("u1")
	req.True(ok)
	req.Equal(PhaseFailed, c.Phase)
	req.Equal("u2", c.Peer("u1"))
	req.Empty(f.partner("u2"))

	_, ok = f.machine.Drop("u1")
	req.False(ok)
	_, ok = f.machine.Drop("u2")
	req.False(ok)
}

func TestMachine_Simultaneous_Mutual_Offers(t *testing.T) {
	for i := 0; i < 200; i++ {
		req := require.New(t)
		f := newFixture("u1", "u2")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, errs[0] = f.machine.Offer("u1", "u2") }()
		go func() { defer wg.Done(); _, errs[1] = f.machine.Offer("u2", "u1") }()
		wg.Wait()

		// Exactly one offer proceeds and the other is busy
		succeeded, busy := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case isBusy(err):
				busy++
			}
		}
		req.Equal(1, succeeded)
		req.Equal(1, busy)
		req.Equal(1, f.machine.Len())
		req.Equal("u2", f.partner("u1"))
		req.Equal("u1", f.partner("u2"))
	}
}

func TestMachine_Mutual_Exclusion_Under_Contention(t *testing.T) {
	req := require.New(t)
	ids := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	f := newFixture(ids...)

	var wg sync.WaitGroup
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			wg.Add(1)
			go func(a, b string) {
				defer wg.Done()
				_, _ = f.machine.Offer(a, b)
			}(a, b)
		}
	}
	wg.Wait()

	// Every identity is party to at most one call and partners are symmetric
	f.machine.mu.Lock()
	defer f.machine.mu.Unlock()
	seen := map[string]string{}
	for id, c := range f.machine.calls {
		for _, p := range []string{c.Caller, c.Callee} {
			req.NotContains(seen, p)
			seen[p] = id
		}
		req.Equal(c.Callee, f.partner(c.Caller))
		req.Equal(c.Caller, f.partner(c.Callee))
	}
	req.Len(f.machine.calls, 3)
}

func isBusy(err error) bool {
	te, ok := err.(*TransitionError)
	return ok && te.Err == ErrBusy
}
