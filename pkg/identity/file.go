package identity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the identity in a small YAML document. Two stores pointing
// at different files are independent contexts.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file identity store: empty path")
	}
	return &FileStore{path: path}, nil
}

// DefaultPath is identity.yaml in the parley directory under the user config
// dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "parley", "identity.yaml"), nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readLocked()
	if err != nil {
		log.Warn().Err(err).Str("component", "identity").Str("path", s.path).Msg("identity unavailable, continuing without")
		return "", false
	}
	name := strings.TrimSpace(rec.Username)
	return name, name != ""
}

func (s *FileStore) Save(_ context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("file identity store: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readLocked()
	if err != nil {
		rec = Record{}
	}
	rec.Username = name
	return s.writeLocked(rec)
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "file identity store: remove")
	}
	return nil
}

func (s *FileStore) Token(_ context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readLocked()
	if err != nil {
		log.Debug().Err(err).Str("component", "identity").Msg("token unavailable")
		return "", false
	}
	return rec.Token, rec.Token != ""
}

func (s *FileStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readLocked()
	if err != nil {
		rec = Record{}
	}
	rec.Token = strings.TrimSpace(token)
	return s.writeLocked(rec)
}

// readLocked returns an empty record when the file does not exist yet.
func (s *FileStore) readLocked() (Record, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "file identity store: read")
	}
	var rec Record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return Record{}, errors.Wrap(err, "file identity store: parse")
	}
	return rec, nil
}

func (s *FileStore) writeLocked(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "file identity store: mkdir")
	}
	b, err := yaml.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "file identity store: marshal")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*.yaml")
	if err != nil {
		return errors.Wrap(err, "file identity store: temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file identity store: write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "file identity store: close")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "file identity store: rename")
	}
	return nil
}
