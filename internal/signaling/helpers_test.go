package signaling_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

const waitFor = 2 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	f     func()
	done  bool
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

type relay struct {
	url   string
	hub   *signaling.Hub
	clock *manualClock
}

func startRelay(t *testing.T, cfg signaling.Config) *relay {
	t.Helper()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	hub := signaling.NewHub(cfg, signaling.WithClock(clock), signaling.WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(server.NewHandler(hub, server.Options{Logger: quiet}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})

	return &relay{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:   hub,
		clock: clock,
	}
}

type peer struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func (r *relay) dial(t *testing.T, query string) *peer {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(r.url+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	codec := protocol.Codec(protocol.JSONCodec{})
	if strings.Contains(query, "codec=msgpack") {
		codec = protocol.MsgpackCodec{}
	}
	return &peer{t: t, conn: conn, codec: codec}
}

// join connects as identity and waits for the relay to confirm it.
func (r *relay) join(t *testing.T, identity, name string) *peer {
	t.Helper()
	p := r.dial(t, "id="+identity+"&name="+name)
	info := p.await(protocol.TypeInfo)
	require.Equal(t, identity, info.To)
	return p
}

func (p *peer) send(env *protocol.Envelope) {
	p.t.Helper()
	data, err := p.codec.Encode(env)
	require.NoError(p.t, err)
	frame := websocket.TextMessage
	if p.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	require.NoError(p.t, p.conn.WriteMessage(frame, data))
}

func (p *peer) signal(typ, to, payload string) {
	p.t.Helper()
	p.send(&protocol.Envelope{Type: typ, To: to, Payload: payload})
}

func (p *peer) next() (*protocol.Envelope, error) {
	p.conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(data)
}

// collect reads until an envelope of type typ arrives, returning it and
// everything skipped on the way.
func (p *peer) collect(typ string) (*protocol.Envelope, []*protocol.Envelope) {
	p.t.Helper()
	var skipped []*protocol.Envelope
	for {
		env, err := p.next()
		require.NoError(p.t, err, "waiting for %s", typ)
		if env.Type == typ {
			return env, skipped
		}
		skipped = append(skipped, env)
	}
}

func (p *peer) await(typ string) *protocol.Envelope {
	p.t.Helper()
	env, _ := p.collect(typ)
	return env
}

// awaitUsers reads presence snapshots until one satisfies ok.
func (p *peer) awaitUsers(ok func([]protocol.User) bool) []protocol.User {
	p.t.Helper()
	for {
		env := p.await(protocol.TypeUsers)
		if ok(env.Users) {
			return env.Users
		}
	}
}

// awaitClosed reads until the relay closes the connection.
func (p *peer) awaitClosed() {
	p.t.Helper()
	for {
		_, err := p.next()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			p.t.Fatalf("connection still open: %v", err)
		}
		return
	}
}

func withUsers(n int) func([]protocol.User) bool {
	return func(users []protocol.User) bool { return len(users) == n }
}

func inCall(identity string, want bool) func([]protocol.User) bool {
	return func(users []protocol.User) bool {
		for _, u := range users {
			if u.Identity == identity {
				return u.InCall == want
			}
		}
		return false
	}
}

func absent(identity string) func([]protocol.User) bool {
	return func(users []protocol.User) bool {
		for _, u := range users {
			if u.Identity == identity {
				return false
			}
		}
		return true
	}
}
