package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// DefaultAutoDecline is how long an incoming call rings before the lobby
// declines it. The relay times offers out on its own clock as well.
const DefaultAutoDecline = 30 * time.Second

const chatHistory = 8

// Dialer performs the lobby's call actions.
type Dialer interface {
	Call(identity string) error
	Accept(offer *protocol.Envelope) error
	Reject(identity string) error
	Hangup() error
	Chat(identity, text string) error
}

// Messages fed into the lobby by the connection.
type (
	InfoMsg   struct{ Identity, Name string }
	UsersMsg  []protocol.User
	SignalMsg struct{ *protocol.Envelope }
	ErrorMsg  struct{ Reason string }

	// ClosedMsg reports that the relay connection ended.
	ClosedMsg struct{}
)

type autoDeclineMsg struct {
	from string
	at   time.Time
}

type phase int

const (
	phaseIdle phase = iota
	phaseCalling
	phaseRinging
	phaseConnecting
	phaseActive
)

type callState struct {
	phase    phase
	peer     string
	peerName string
	offer    *protocol.Envelope
	since    time.Time
}

// Lobby is the interactive presence and call screen.
type Lobby struct {
	dialer      Dialer
	now         func() time.Time
	autoDecline time.Duration

	identity string
	name     string
	users    []protocol.User
	cursor   int

	call     callState
	chat     []string
	input    textinput.Model
	chatting bool
	status   string
	spinner  spinner.Model
	quitting bool
}

// NewLobby creates the lobby model.
func NewLobby(d Dialer) *Lobby {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	in := textinput.New()
	in.Placeholder = "message"
	in.CharLimit = 500

	return &Lobby{
		dialer:      d,
		now:         time.Now,
		autoDecline: DefaultAutoDecline,
		input:       in,
		spinner:     s,
		status:      "Connecting...",
	}
}

// WithAutoDecline changes how long incoming calls ring.
func (m *Lobby) WithAutoDecline(d time.Duration) *Lobby {
	m.autoDecline = d
	return m
}

func (m *Lobby) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m *Lobby) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.onKey(msg)

	case InfoMsg:
		m.identity, m.name = msg.Identity, msg.Name
		m.status = fmt.Sprintf("Online as %s", msg.Name)

	case UsersMsg:
		m.users = lo.Filter(msg, func(u protocol.User, _ int) bool {
			return u.Identity != m.identity
		})
		m.cursor = min(m.cursor, max(len(m.users)-1, 0))

	case SignalMsg:
		return m, m.onSignal(msg.Envelope)

	case ErrorMsg:
		m.status = "Relay error: " + msg.Reason

	case ClosedMsg:
		m.status = "Disconnected from relay"
		m.quitting = true
		return m, tea.Quit

	case autoDeclineMsg:
		if m.call.phase == phaseRinging && m.call.peer == msg.from && m.call.since.Equal(msg.at) {
			m.fail(m.dialer.Reject(msg.from))
			m.status = "Missed call from " + m.call.peerName
			m.call = callState{}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Lobby) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.chatting {
		switch msg.Type {
		case tea.KeyEsc:
			m.chatting = false
			m.input.Blur()
			return m, nil
		case tea.KeyEnter:
			m.sendChat()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if m.call.phase != phaseIdle && m.call.phase != phaseRinging {
			_ = m.dialer.Hangup()
		}
		m.quitting = true
		return m, tea.Quit

	case "up", "k":
		m.cursor = max(m.cursor-1, 0)

	case "down", "j":
		m.cursor = min(m.cursor+1, max(len(m.users)-1, 0))

	case "enter", "c":
		m.placeCall()

	case "a":
		if m.call.phase == phaseRinging {
			if m.fail(m.dialer.Accept(m.call.offer)) {
				m.call = callState{}
				break
			}
			m.call.phase = phaseActive
			m.call.since = m.now()
			m.status = "In call with " + m.call.peerName
		}

	case "r":
		if m.call.phase == phaseRinging {
			m.fail(m.dialer.Reject(m.call.peer))
			m.status = "Declined call from " + m.call.peerName
			m.call = callState{}
		}

	case "h":
		if m.call.phase != phaseIdle && m.call.phase != phaseRinging {
			m.fail(m.dialer.Hangup())
			m.status = "Call ended"
			m.call = callState{}
		}

	case "/", "m":
		if m.chatTarget() != "" {
			m.chatting = true
			return m, m.input.Focus()
		}
	}
	return m, nil
}

func (m *Lobby) placeCall() {
	if m.call.phase != phaseIdle || len(m.users) == 0 {
		return
	}
	target := m.users[m.cursor]
	if target.InCall {
		m.status = target.DisplayName + " is busy"
		return
	}
	if m.fail(m.dialer.Call(target.Identity)) {
		return
	}
	m.call = callState{phase: phaseCalling, peer: target.Identity, peerName: target.DisplayName, since: m.now()}
	m.status = "Calling " + target.DisplayName
}

func (m *Lobby) onSignal(env *protocol.Envelope) tea.Cmd {
	fromCall := m.call.phase != phaseIdle && env.From == m.call.peer

	switch env.Type {
	case protocol.TypeOffer:
		if m.call.phase != phaseIdle {
			return nil
		}
		at := m.now()
		m.call = callState{phase: phaseRinging, peer: env.From, peerName: env.FromDisplayName, offer: env, since: at}
		m.status = "Incoming call from " + env.FromDisplayName
		from := env.From
		return tea.Tick(m.autoDecline, func(time.Time) tea.Msg {
			return autoDeclineMsg{from: from, at: at}
		})

	case protocol.TypeCallAccepted:
		if fromCall && m.call.phase == phaseCalling {
			m.call.phase = phaseConnecting
			m.status = "Connecting to " + m.call.peerName
		}

	case protocol.TypeAnswer:
		if fromCall {
			m.call.phase = phaseActive
			m.call.since = m.now()
			m.status = "In call with " + m.call.peerName
		}

	case protocol.TypeCallRejected:
		if fromCall {
			m.status = fmt.Sprintf("%s did not answer%s", m.call.peerName, because(env.Reason))
			m.call = callState{}
		}

	case protocol.TypeCallEnded:
		if fromCall {
			m.status = fmt.Sprintf("Call with %s ended%s", m.call.peerName, because(env.Reason))
			m.call = callState{}
		}

	case protocol.TypeChatMessage:
		m.appendChat(fmt.Sprintf("%s: %s", env.FromDisplayName, env.Payload))
	}
	return nil
}

func because(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

// chatTarget is the call peer, or the highlighted user outside a call.
func (m *Lobby) chatTarget() string {
	if m.call.phase != phaseIdle {
		return m.call.peer
	}
	if len(m.users) == 0 {
		return ""
	}
	return m.users[m.cursor].Identity
}

func (m *Lobby) sendChat() {
	text := strings.TrimSpace(m.input.Value())
	target := m.chatTarget()
	if text == "" || target == "" {
		return
	}
	if m.fail(m.dialer.Chat(target, text)) {
		return
	}
	m.appendChat(fmt.Sprintf("%s: %s", lo.CoalesceOrEmpty(m.name, "me"), text))
	m.input.Reset()
}

func (m *Lobby) appendChat(line string) {
	m.chat = append(m.chat, line)
	if len(m.chat) > chatHistory {
		m.chat = m.chat[len(m.chat)-chatHistory:]
	}
}

// fail records err in the status line and reports whether there was one.
func (m *Lobby) fail(err error) bool {
	if err == nil {
		return false
	}
	m.status = "Error: " + err.Error()
	return true
}

func (m *Lobby) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s warpcall  %s %s", IconCall, IconPeer, lo.CoalesceOrEmpty(m.name, "…"))))
	b.WriteString("\n")
	if m.identity == "" {
		b.WriteString(fmt.Sprintf("%s %s\n", IconConnect, m.status))
		b.WriteString(FooterStyle.Render("q quit"))
		return b.String()
	}
	b.WriteString(MutedStyle.Render(fmt.Sprintf("%s %s", IconIdentity, m.identity)))
	b.WriteString("\n\n")
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	b.WriteString("\n")

	if len(m.users) == 0 {
		b.WriteString(MutedStyle.Render("Nobody else is online"))
		b.WriteString("\n")
	}
	for i, u := range m.users {
		line := fmt.Sprintf("%s  %s", u.DisplayName, MutedStyle.Render(status(u)))
		if i == m.cursor {
			b.WriteString(SelectedStyle.Render("> ") + SelectedStyle.Render(u.DisplayName) + "  " + MutedStyle.Render(status(u)))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.call.phase {
	case phaseRinging:
		b.WriteString(IncomingBoxStyle.Render(fmt.Sprintf("%s %s is calling  [a]ccept  [r]eject", IconRinging, m.call.peerName)))
		b.WriteString("\n")
	case phaseCalling:
		b.WriteString(fmt.Sprintf("%s %s %s\n", m.spinner.View(), IconWaiting, m.status))
	case phaseConnecting:
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.status))
	case phaseActive:
		elapsed := m.now().Sub(m.call.since).Round(time.Second)
		b.WriteString(BoxStyle.Render(fmt.Sprintf("%s %s  %s", IconInCall, m.call.peerName, elapsed)))
		b.WriteString("\n")
	default:
		b.WriteString(StatusStyle.Render(m.status))
		b.WriteString("\n")
	}

	if len(m.chat) > 0 {
		b.WriteString("\n")
		for _, line := range m.chat {
			b.WriteString(IconChat + " " + line + "\n")
		}
	}
	if m.chatting {
		b.WriteString("\n" + m.input.View() + "\n")
	}

	b.WriteString(FooterStyle.Render("↑/↓ select • enter call • h hang up • / chat • q quit"))
	return b.String()
}
