package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/channel"
	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/composer"
	"github.com/go-go-golems/parley/pkg/session"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	onlineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("118"))
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	cursorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	sidebarStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	pickerStyle    = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("205")).Padding(0, 1)
)

// Controller is what the view drives. *session.Controller implements it.
type Controller interface {
	Join(ctx context.Context, name string) error
	SelectPeer(peer string)
	ClearSelection()
	SendMessage(text string) bool
	Logout(ctx context.Context) error
	Snapshot() session.Snapshot
}

type focus int

const (
	focusRoster focus = iota
	focusComposer
)

type errMsg struct{ err error }

var writeClipboard = clipboard.WriteAll

// AppModel is the root bubbletea model.
type AppModel struct {
	ctx      context.Context
	ctrl     Controller
	composer *composer.Composer
	feed     *Feed

	snap    session.Snapshot
	spinner spinner.Model
	name    textinput.Model
	input   textinput.Model
	convo   viewport.Model
	sidebar SidebarModel
	focus   focus
	picker  int
	err     error

	// logout confirmation overlay, nil when closed
	confirm       *huh.Form
	confirmLogout *bool

	width  int
	height int
}

func NewAppModel(ctx context.Context, ctrl Controller, feed *Feed) AppModel {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	name := textinput.New()
	name.Placeholder = "your name"
	name.CharLimit = 64
	name.Prompt = "name> "
	name.Focus()

	input := textinput.New()
	input.Placeholder = "type a message, ctrl+e for emoji"
	input.Prompt = "> "

	return AppModel{
		ctx:      ctx,
		ctrl:     ctrl,
		composer: composer.New(ctrl),
		feed:     feed,
		snap:     ctrl.Snapshot(),
		spinner:  sp,
		name:     name,
		input:    input,
		convo:    viewport.New(60, 10),
		sidebar:  NewSidebarModel(),
		focus:    focusRoster,
	}
}

func (m AppModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick}
	if m.feed != nil {
		cmds = append(cmds, m.feed.wait())
	}
	return tea.Batch(cmds...)
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case SnapshotMsg:
		m = m.applySnapshot(session.Snapshot(ev))
		if m.feed != nil {
			return m, m.feed.wait()
		}
		return m, nil
	case errMsg:
		m.err = ev.err
		return m, nil
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.height = ev.Height
		m = m.layout()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(ev)
		return m, cmd
	}

	if m.confirm != nil {
		return m.updateConfirm(msg)
	}

	if ev, ok := msg.(tea.KeyMsg); ok {
		switch {
		case ev.String() == "ctrl+c":
			return m, tea.Quit
		case m.snap.Phase == session.PhaseAnonymous:
			return m.updateJoin(ev)
		case ev.String() == "ctrl+l":
			return m.openLogoutConfirm()
		case m.snap.Phase == session.PhaseRegistering:
			return m, nil
		}
		return m.updateChat(ev)
	}

	var cmd tea.Cmd
	if m.snap.Phase == session.PhaseAnonymous {
		m.name, cmd = m.name.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m AppModel) applySnapshot(s session.Snapshot) AppModel {
	if s.Version < m.snap.Version {
		return m
	}
	wasJoined := m.snap.Joined()
	m.snap = s
	if s.Phase == session.PhaseAnonymous {
		m.confirm = nil
		m.confirmLogout = nil
	}
	m.sidebar = m.sidebar.SetUsers(s.Roster)
	if s.Err != nil {
		m.err = s.Err
	} else if m.err != nil && s.Phase == session.PhaseAnonymous {
		m.err = nil
	}
	switch {
	case s.Joined() && !wasJoined:
		m.name.Blur()
		m.name.SetValue("")
		m.focus = focusRoster
		m.sidebar.focused = true
		m.input.Blur()
	case s.Phase == session.PhaseAnonymous && wasJoined:
		m.name.Focus()
		m.input.Blur()
		m.input.SetValue("")
		m.composer.SetDraft("")
		m.composer.ClosePicker()
	}
	m.convo.SetContent(m.renderConversation())
	m.convo.GotoBottom()
	return m
}

func (m AppModel) updateJoin(ev tea.KeyMsg) (tea.Model, tea.Cmd) {
	if ev.Type == tea.KeyEnter {
		name := chat.NormalizeName(m.name.Value())
		if name == "" {
			return m, nil
		}
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg {
			if err := ctrl.Join(ctx, name); err != nil {
				return errMsg{err: err}
			}
			return nil
		}
	}
	var cmd tea.Cmd
	m.name, cmd = m.name.Update(ev)
	return m, cmd
}

func (m AppModel) updateChat(ev tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.composer.PickerOpen() {
		return m.updatePicker(ev)
	}
	switch ev.String() {
	case "ctrl+y":
		if n := len(m.snap.Messages); n > 0 {
			text := m.snap.Messages[n-1].Message
			return m, func() tea.Msg {
				if err := writeClipboard(text); err != nil {
					log.Warn().Err(err).Str("component", "ui").Msg("copy to clipboard")
					return errMsg{err: err}
				}
				return nil
			}
		}
		return m, nil
	case "tab":
		return m.toggleFocus(), nil
	case "esc":
		if m.snap.SelectedPeer != "" {
			m.ctrl.ClearSelection()
			m.input.Blur()
			m.focus = focusRoster
			m.sidebar.focused = true
		}
		return m, nil
	}

	if m.focus == focusRoster {
		switch ev.String() {
		case "up", "k":
			m.sidebar = m.sidebar.Move(-1)
		case "down", "j":
			m.sidebar = m.sidebar.Move(1)
		case "enter":
			if peer := m.sidebar.Current(); peer != "" {
				m.ctrl.SelectPeer(peer)
				m.err = nil
				m = m.focusComposer()
				return m, textinput.Blink
			}
		}
		return m, nil
	}

	switch ev.String() {
	case "ctrl+e":
		m.composer.SetDraft(m.input.Value())
		m.composer.TogglePicker()
		return m, nil
	case "enter":
		m.composer.SetDraft(m.input.Value())
		if m.composer.Send() {
			m.input.SetValue(m.composer.Draft())
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(ev)
	m.composer.SetDraft(m.input.Value())
	return m, cmd
}

func (m AppModel) openLogoutConfirm() (tea.Model, tea.Cmd) {
	choice := false
	m.confirmLogout = &choice
	m.confirm = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Log out as " + m.snap.Identity + "?").
				Description("The saved name is forgotten on this machine.").
				Affirmative("Log out").
				Negative("Stay").
				Value(m.confirmLogout),
		),
	).WithShowHelp(false)
	m.input.Blur()
	return m, m.confirm.Init()
}

func (m AppModel) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if ev, ok := msg.(tea.KeyMsg); ok && ev.String() == "esc" {
		return m.closeConfirm(), nil
	}
	fm, cmd := m.confirm.Update(msg)
	if f, ok := fm.(*huh.Form); ok {
		m.confirm = f
	}
	switch m.confirm.State {
	case huh.StateAborted:
		return m.closeConfirm(), cmd
	case huh.StateCompleted:
		confirmed := *m.confirmLogout
		m = m.closeConfirm()
		if !confirmed {
			return m, cmd
		}
		ctrl, ctx := m.ctrl, m.ctx
		return m, tea.Batch(cmd, func() tea.Msg {
			if err := ctrl.Logout(ctx); err != nil {
				log.Warn().Err(err).Str("component", "ui").Msg("logout")
				return errMsg{err: err}
			}
			return nil
		})
	}
	return m, cmd
}

func (m AppModel) closeConfirm() AppModel {
	m.confirm = nil
	m.confirmLogout = nil
	if m.focus == focusComposer && m.snap.Joined() {
		m.input.Focus()
	}
	return m
}

func (m AppModel) updatePicker(ev tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch ev.String() {
	case "esc", "ctrl+e":
		m.composer.ClosePicker()
	case "left", "h":
		m.picker = (m.picker - 1 + len(composer.Palette)) % len(composer.Palette)
	case "right", "l":
		m.picker = (m.picker + 1) % len(composer.Palette)
	case "enter":
		if m.composer.Pick(m.picker) {
			m.input.SetValue(m.composer.Draft())
			m.input.CursorEnd()
		}
	}
	return m, nil
}

func (m AppModel) toggleFocus() AppModel {
	if m.focus == focusRoster {
		if m.snap.SelectedPeer == "" {
			return m
		}
		return m.focusComposer()
	}
	m.focus = focusRoster
	m.sidebar.focused = true
	m.input.Blur()
	return m
}

func (m AppModel) focusComposer() AppModel {
	m.focus = focusComposer
	m.sidebar.focused = false
	m.input.Focus()
	return m
}

func (m AppModel) layout() AppModel {
	right := m.width / 4
	if right < 24 {
		right = 24
	}
	if right > m.width/2 {
		right = m.width / 2
	}
	left := m.width - right - 2
	if left < 10 {
		left = 10
	}
	body := m.height - 6
	if body < 3 {
		body = 3
	}
	m.sidebar = m.sidebar.SetSize(right-4, body)
	m.convo.Width = left
	m.convo.Height = body - 1
	m.input.Width = left - 4
	m.convo.SetContent(m.renderConversation())
	return m
}

func (m AppModel) View() string {
	if m.snap.Phase == session.PhaseAnonymous {
		return m.joinView()
	}
	header := headerStyle.Render("parley") + "  " + m.snap.Identity + "  " + m.connectionView()
	if m.confirm != nil {
		return header + "\n\n" + pickerStyle.Render(m.confirm.View())
	}
	if m.snap.Phase == session.PhaseRegistering {
		return header + "\n\n" + mutedStyle.Render("joining as "+m.snap.Identity+"…") + "\n" + mutedStyle.Render("ctrl+l log out · ctrl+c quit")
	}
	main := m.conversationPane()
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebar.View(m.snap.SelectedPeer), " ", main)
	parts := []string{header, body}
	if m.err != nil {
		parts = append(parts, errorStyle.Render("error: ")+m.err.Error())
	}
	parts = append(parts, mutedStyle.Render("tab focus · enter select/send · esc close · ctrl+e emoji · ctrl+y copy last · ctrl+l logout · ctrl+c quit"))
	return strings.Join(parts, "\n")
}

func (m AppModel) joinView() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("parley") + "\n\n")
	b.WriteString("Pick a display name to join.\n\n")
	b.WriteString(m.name.View() + "\n")
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("error: ") + m.err.Error() + "\n")
	}
	return b.String()
}

func (m AppModel) connectionView() string {
	switch m.snap.Connection {
	case channel.StateConnected:
		return onlineStyle.Render("● connected")
	case channel.StateConnecting:
		return m.spinner.View() + " " + mutedStyle.Render("reconnecting")
	default:
		return offlineStyle.Render("○ offline")
	}
}

func (m AppModel) conversationPane() string {
	if m.snap.SelectedPeer == "" {
		return mutedStyle.Render("select someone from the list to start talking")
	}
	title := subHeaderStyle.Render("with " + m.snap.SelectedPeer)
	switch m.snap.History {
	case session.HistoryLoading:
		title += " " + m.spinner.View()
	case session.HistoryFailed:
		title += " " + errorStyle.Render("(history unavailable)")
	}
	parts := []string{title, m.convo.View()}
	if m.composer.PickerOpen() {
		parts = append(parts, m.pickerView())
	}
	parts = append(parts, m.input.View())
	return strings.Join(parts, "\n")
}

func (m AppModel) pickerView() string {
	cells := make([]string, 0, len(composer.Palette))
	for i, e := range composer.Palette {
		if i == m.picker {
			cells = append(cells, cursorStyle.Render("["+e+"]"))
			continue
		}
		cells = append(cells, " "+e+" ")
	}
	return pickerStyle.Render(strings.Join(cells, ""))
}

func (m AppModel) renderConversation() string {
	if len(m.snap.Messages) == 0 {
		if m.snap.History == session.HistoryLoaded {
			return mutedStyle.Render("no messages yet")
		}
		return ""
	}
	var b strings.Builder
	for _, msg := range m.snap.Messages {
		who := peerStyle.Render(msg.Sender)
		if msg.Sender == m.snap.Identity {
			who = selfStyle.Render("you")
		}
		ts := msg.Timestamp.Local().Format("15:04")
		b.WriteString(fmt.Sprintf("%s %s: %s\n", mutedStyle.Render(ts), who, msg.Message))
	}
	return strings.TrimRight(b.String(), "\n")
}
