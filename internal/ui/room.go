package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/codealchemist/peer-meet/internal/identity"
	"github.com/codealchemist/peer-meet/internal/mesh"
)

const visibleChatLines = 8

// RoomOptions wire the room view to the running session.
type RoomOptions struct {
	LocalID   string
	SessionID string
	ShareURL  string
	Creator   bool

	Events <-chan mesh.Event

	// Chat sends a line to every connected peer.
	Chat func(text string)

	// ToggleScreen starts or stops the auxiliary stream and reports whether
	// it is now on.
	ToggleScreen func() bool

	Now func() time.Time
}

type eventMsg mesh.Event

type eventsClosedMsg struct{}

// RoomModel is the interactive view of one session.
type RoomModel struct {
	opts      RoomOptions
	tracker   *Tracker
	nickname  string
	input     textinput.Model
	spinner   spinner.Model
	showShare bool
	screenOn  bool
	quitting  bool
	ended     bool
}

func NewRoomModel(opts RoomOptions) *RoomModel {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	in := textinput.New()
	in.Placeholder = "Say something..."
	in.CharLimit = 500
	in.Prompt = IconChat + " "
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Globe
	s.Style = SpinnerStyle

	return &RoomModel{
		opts:      opts,
		tracker:   NewTracker(opts.Now()),
		nickname:  identity.Nickname(opts.LocalID),
		input:     in,
		spinner:   s,
		showShare: opts.Creator,
	}
}

// Tracker exposes the state the view was built from, e.g. for the exit
// summary.
func (m *RoomModel) Tracker() *Tracker {
	return m.tracker
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.listen())
}

func (m *RoomModel) listen() tea.Cmd {
	events := m.opts.Events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyCtrlB:
			m.showShare = !m.showShare
			return m, nil
		case tea.KeyCtrlS:
			if m.opts.ToggleScreen != nil {
				m.screenOn = m.opts.ToggleScreen()
			}
			return m, nil
		case tea.KeyEnter:
			m.sendChat()
			return m, nil
		}

	case eventMsg:
		m.tracker.Apply(mesh.Event(msg))
		return m, m.listen()

	case eventsClosedMsg:
		m.ended = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *RoomModel) sendChat() {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return
	}
	if m.opts.Chat != nil {
		m.opts.Chat(text)
	}
	m.tracker.AddOwnChat(m.nickname, text, m.opts.Now())
	m.input.Reset()
}

func (m *RoomModel) View() string {
	if m.quitting || m.ended {
		return ""
	}

	var b strings.Builder

	b.WriteString(TitleStyle.Render(fmt.Sprintf("%s peer-meet  %s", IconRoom, m.opts.SessionID)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s You are %s  %s %d connected\n\n",
		IconPeer, BoldStyle.Render(m.nickname), m.spinner.View(), m.tracker.Connected()))

	if m.showShare {
		b.WriteString(ShareBoxView(m.opts.SessionID, m.opts.ShareURL))
		b.WriteString("\n\n")
	}

	b.WriteString(PeerTableView(m.tracker.Peers()))
	b.WriteString("\n\n")

	for _, l := range m.tracker.Chat(visibleChatLines) {
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			MutedStyle.Render(l.At.Format("15:04")), ChatNameStyle.Render(l.From+":"), l.Text))
	}
	b.WriteString(m.input.View())

	screen := "off"
	if m.screenOn {
		screen = "on"
	}
	b.WriteString("\n" + FooterStyle.Render(fmt.Sprintf(
		"enter send • ctrl+b share link • ctrl+s %s screen (%s) • esc leave", IconScreen, screen)))
	return b.String()
}
