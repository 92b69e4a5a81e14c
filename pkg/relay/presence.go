package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/parley/pkg/chat"
)

// PresenceStore counts registered connections per user. A user is online
// while at least one connection, on any relay instance, is registered.
type PresenceStore interface {
	Online(ctx context.Context, user string, at time.Time) error
	Offline(ctx context.Context, user string, at time.Time) error
	// List returns every user ever seen, sorted by name.
	List(ctx context.Context) ([]chat.PeerUser, error)
	Close() error
}

type presenceEntry struct {
	conns    int
	lastSeen time.Time
}

type MemoryPresence struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
}

var _ PresenceStore = &MemoryPresence{}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{users: map[string]*presenceEntry{}}
}

func (p *MemoryPresence) entryLocked(user string) *presenceEntry {
	e, ok := p.users[user]
	if !ok {
		e = &presenceEntry{}
		p.users[user] = e
	}
	return e
}

func (p *MemoryPresence) Online(_ context.Context, user string, at time.Time) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("memory presence: empty user")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(user)
	e.conns++
	e.lastSeen = at.UTC()
	return nil
}

func (p *MemoryPresence) Offline(_ context.Context, user string, at time.Time) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("memory presence: empty user")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(user)
	if e.conns > 0 {
		e.conns--
	}
	e.lastSeen = at.UTC()
	return nil
}

func (p *MemoryPresence) List(_ context.Context) ([]chat.PeerUser, error) {
	p.mu.Lock()
	out := lo.MapToSlice(p.users, func(name string, e *presenceEntry) chat.PeerUser {
		return chat.PeerUser{Username: name, IsOnline: e.conns > 0, LastSeen: e.lastSeen}
	})
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (p *MemoryPresence) Close() error { return nil }
