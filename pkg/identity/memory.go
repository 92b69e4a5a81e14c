package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps the identity for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	record Record
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimSpace(s.record.Username)
	return name, name != ""
}

func (s *MemoryStore) Save(_ context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("memory identity store: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Username = name
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{}
	return nil
}

func (s *MemoryStore) Token(_ context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Token, s.record.Token != ""
}

func (s *MemoryStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Token = strings.TrimSpace(token)
	return nil
}
