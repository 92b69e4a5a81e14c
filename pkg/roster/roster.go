// Package roster keeps the set of peers shown to the local user.
//
// The server pushes the roster as a full snapshot on every presence change.
// Each snapshot replaces the previous one; there is no merge.
package roster

import (
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/go-go-golems/parley/pkg/chat"
)

// ApplySnapshot returns the displayed roster for a snapshot: every entry but
// self and nameless ones, in snapshot order. The result is never nil.
func ApplySnapshot(users []chat.PeerUser, self string) []chat.PeerUser {
	self = strings.TrimSpace(self)
	out := lo.Filter(users, func(u chat.PeerUser, _ int) bool {
		name := strings.TrimSpace(u.Username)
		return name != "" && name != self
	})
	if out == nil {
		out = []chat.PeerUser{}
	}
	return out
}

// Roster holds the current displayed set.
type Roster struct {
	mu    sync.RWMutex
	users []chat.PeerUser
}

func New() *Roster {
	return &Roster{users: []chat.PeerUser{}}
}

// Apply replaces the roster with the filtered snapshot and returns a copy of it.
func (r *Roster) Apply(users []chat.PeerUser, self string) []chat.PeerUser {
	next := ApplySnapshot(users, self)
	r.mu.Lock()
	r.users = next
	r.mu.Unlock()
	return append([]chat.PeerUser{}, next...)
}

// Users returns a copy of the current roster.
func (r *Roster) Users() []chat.PeerUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chat.PeerUser{}, r.users...)
}

func (r *Roster) Lookup(username string) (chat.PeerUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Find(r.users, func(u chat.PeerUser) bool { return u.Username == username })
}

func (r *Roster) Reset() {
	r.mu.Lock()
	r.users = []chat.PeerUser{}
	r.mu.Unlock()
}

// Online counts the peers currently online.
func (r *Roster) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.CountBy(r.users, func(u chat.PeerUser) bool { return u.IsOnline })
}
