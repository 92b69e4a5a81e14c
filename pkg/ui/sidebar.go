package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/parley/pkg/chat"
)

// SidebarModel renders the roster and tracks the cursor.
type SidebarModel struct {
	width   int
	height  int
	users   []chat.PeerUser
	cursor  int
	focused bool
}

func NewSidebarModel() SidebarModel {
	return SidebarModel{width: 24}
}

func (m SidebarModel) SetSize(width, height int) SidebarModel {
	if width > 0 {
		m.width = width
	}
	m.height = height
	return m
}

// SetUsers replaces the roster and keeps the cursor on the same user when
// they are still listed.
func (m SidebarModel) SetUsers(users []chat.PeerUser) SidebarModel {
	current := m.Current()
	m.users = users
	m.cursor = 0
	for i, u := range users {
		if u.Username == current {
			m.cursor = i
			break
		}
	}
	return m
}

func (m SidebarModel) Move(delta int) SidebarModel {
	if len(m.users) == 0 {
		return m
	}
	m.cursor = (m.cursor + delta + len(m.users)) % len(m.users)
	return m
}

// Current returns the username under the cursor.
func (m SidebarModel) Current() string {
	if m.cursor < 0 || m.cursor >= len(m.users) {
		return ""
	}
	return m.users[m.cursor].Username
}

func (m SidebarModel) View(selected string) string {
	title := subHeaderStyle.Render(fmt.Sprintf("People (%d)", len(m.users)))
	if len(m.users) == 0 {
		return sidebarStyle.Width(m.width).Height(m.height).Render(title + "\n" + mutedStyle.Render("nobody else here"))
	}
	var b strings.Builder
	b.WriteString(title + "\n")
	for i, u := range m.users {
		dot := offlineStyle.Render("○")
		if u.IsOnline {
			dot = onlineStyle.Render("●")
		}
		name := u.Username
		if name == selected {
			name = selectedStyle.Render(name)
		}
		prefix := "  "
		if m.focused && i == m.cursor {
			prefix = cursorStyle.Render("> ")
		}
		b.WriteString(prefix + dot + " " + name + "\n")
		if !u.IsOnline {
			b.WriteString("    " + mutedStyle.Render(lastSeen(u.LastSeen)) + "\n")
		}
	}
	return sidebarStyle.Width(m.width).Height(m.height).Render(strings.TrimRight(b.String(), "\n"))
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "offline"
	}
	local := t.Local()
	if time.Since(local) < 24*time.Hour {
		return "last seen " + local.Format("15:04")
	}
	return "last seen " + local.Format("Jan 2")
}
