package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/peerlink/internal/chat"
	"github.com/BioHazard786/peerlink/internal/negotiation"
)

const (
	cmdCall = "/call"
	cmdQuit = "/quit"
)

// ChatOptions wires the chat view to a session without the view knowing how
// the session is built.
type ChatOptions struct {
	Room    string
	Timeout time.Duration

	// Entries streams transcript lines as they are appended.
	Entries <-chan chat.Entry
	// Send transmits one line over the data channel.
	Send func(text string) error
	// Call starts the session as caller. It runs off the UI goroutine.
	Call func() error
}

// StateMsg reports a negotiation transition to the chat view.
type StateMsg struct {
	State negotiation.State
	Err   error
}

// NoticeMsg shows a local notice such as a lost relay connection.
type NoticeMsg string

type entryMsg chat.Entry

type callResultMsg struct{ err error }

type tickMsg time.Time

// ChatModel is the bubbletea model for an interactive session.
type ChatModel struct {
	opts ChatOptions

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	progress progress.Model

	lines       []string
	state       negotiation.State
	err         error
	negotiating time.Time
	ready       bool
	quitting    bool
}

func NewChatModel(opts ChatOptions) *ChatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message, /call to start the call, /quit to leave"
	ti.CharLimit = 4096
	ti.Width = 60
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &ChatModel{
		opts:     opts,
		input:    ti,
		viewport: viewport.New(80, 12),
		spinner:  s,
		progress: progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
	}
}

func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.listenForEntries(),
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *ChatModel) listenForEntries() tea.Cmd {
	if m.opts.Entries == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-m.opts.Entries
		if !ok {
			return nil
		}
		return entryMsg(e)
	}
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if cmd := m.submit(text); cmd != nil {
				return m, cmd
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-8)
		m.input.Width = max(10, msg.Width-4)
		m.progress.Width = min(30, max(10, msg.Width-40))
		m.refresh()

	case spinner.TickMsg:
		if m.state != negotiation.Connected && m.state != negotiation.Failed {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tickMsg:
		if !m.quitting {
			cmds = append(cmds, tick())
		}

	case StateMsg:
		m.setState(msg)

	case NoticeMsg:
		m.system(string(msg))

	case entryMsg:
		m.appendEntry(chat.Entry(msg))
		cmds = append(cmds, m.listenForEntries())

	case callResultMsg:
		if msg.err != nil {
			m.system(fmt.Sprintf("cannot start the call: %v", msg.err))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit handles one line typed by the user.
func (m *ChatModel) submit(text string) tea.Cmd {
	switch text {
	case "":
		return nil
	case cmdQuit:
		m.quitting = true
		return tea.Quit
	case cmdCall:
		if m.opts.Call == nil {
			return nil
		}
		m.system(IconCall + " calling...")
		call := m.opts.Call
		return func() tea.Msg {
			return callResultMsg{err: call()}
		}
	}

	if m.opts.Send == nil {
		return nil
	}
	if err := m.opts.Send(text); err != nil {
		if errors.Is(err, chat.ErrChannelNotOpen) {
			m.system("not sent: the data channel is not open yet")
		} else {
			m.system(fmt.Sprintf("not sent: %v", err))
		}
	}
	return nil
}

func (m *ChatModel) setState(msg StateMsg) {
	m.state = msg.State
	switch msg.State {
	case negotiation.RoleAssigned:
		m.negotiating = time.Now()
	case negotiation.Connected:
		m.ready = true
		m.system(IconConnect + " connected")
	case negotiation.Failed:
		m.err = msg.Err
		m.system(fmt.Sprintf("negotiation failed: %v", msg.Err))
	}
}

func (m *ChatModel) appendEntry(e chat.Entry) {
	stamp := MutedStyle.Render(e.At.Format("15:04:05"))
	switch e.Origin {
	case chat.Local:
		m.lines = append(m.lines, fmt.Sprintf("%s %s %s", stamp, LocalStyle.Render("you:"), e.Text))
	case chat.Remote:
		m.lines = append(m.lines, fmt.Sprintf("%s %s %s", stamp, RemoteStyle.Render("peer:"), e.Text))
	default:
		m.lines = append(m.lines, fmt.Sprintf("%s %s", stamp, MutedStyle.Render(e.Text)))
	}
	m.refresh()
}

// system shows a local notice. Notices are not part of the transcript.
func (m *ChatModel) system(text string) {
	m.appendEntry(chat.Entry{Origin: chat.System, Text: text, At: time.Now()})
}

func (m *ChatModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *ChatModel) status() string {
	switch m.state {
	case negotiation.Connected:
		return SuccessStyle.Render(IconSuccess + " connected")
	case negotiation.Failed:
		return ErrorStyle.Render(fmt.Sprintf("%s failed: %v", IconError, m.err))
	case negotiation.Idle, negotiation.Initialized:
		return fmt.Sprintf("%s waiting for a peer, type %s to call", m.spinner.View(), BoldStyle.Render(cmdCall))
	default:
		line := fmt.Sprintf("%s negotiating (%s)", m.spinner.View(), m.state)
		if m.opts.Timeout > 0 && !m.negotiating.IsZero() {
			elapsed := time.Since(m.negotiating)
			line += " " + m.progress.ViewAs(min(1, float64(elapsed)/float64(m.opts.Timeout)))
		}
		return line
	}
}

func (m *ChatModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s peerlink · room %s", IconChat, m.opts.Room)))
	b.WriteString("\n")
	b.WriteString(m.status())
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("enter to send · /call to start · /quit or esc to leave"))
	return b.String()
}

// Lines returns the rendered conversation, mostly for tests.
func (m *ChatModel) Lines() []string {
	return append([]string(nil), m.lines...)
}

// Ready reports whether the session reached Connected.
func (m *ChatModel) Ready() bool {
	return m.ready
}
