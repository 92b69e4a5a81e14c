package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/parley/pkg/session"
)

// SnapshotMsg carries a controller snapshot into the program.
type SnapshotMsg session.Snapshot

// Feed hands controller snapshots to the program. Only the newest pending
// snapshot is kept, so a slow terminal never blocks the controller.
type Feed struct {
	ch chan session.Snapshot
}

func NewFeed() *Feed {
	return &Feed{ch: make(chan session.Snapshot, 1)}
}

// Publish is meant to be passed to session.WithListener.
func (f *Feed) Publish(s session.Snapshot) {
	for {
		select {
		case f.ch <- s:
			return
		default:
		}
		select {
		case old := <-f.ch:
			if old.Version > s.Version {
				s = old
			}
		default:
		}
	}
}

func (f *Feed) wait() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-f.ch
		if !ok {
			return nil
		}
		return SnapshotMsg(s)
	}
}
