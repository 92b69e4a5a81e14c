package relay

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/parley/pkg/chat"
)

// HistoryStore persists direct messages.
type HistoryStore interface {
	Append(ctx context.Context, m chat.Message) error
	// Conversation returns the messages between a and b in both
	// directions, oldest first.
	Conversation(ctx context.Context, a, b string) ([]chat.Message, error)
	Close() error
}

type MemoryHistory struct {
	mu       sync.RWMutex
	messages []chat.Message
}

var _ HistoryStore = &MemoryHistory{}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, m chat.Message) error {
	if err := chat.ValidateMessage(m); err != nil {
		return errors.Wrap(err, "memory history")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
	return nil
}

func (h *MemoryHistory) Conversation(_ context.Context, a, b string) ([]chat.Message, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, errors.New("memory history: empty participant")
	}
	h.mu.RLock()
	out := lo.Filter(h.messages, func(m chat.Message, _ int) bool { return m.Between(a, b) })
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if out == nil {
		out = []chat.Message{}
	}
	return out, nil
}

func (h *MemoryHistory) Close() error { return nil }
