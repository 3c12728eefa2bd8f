package client

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/Party/internal/domain"
	"gopkg.in/yaml.v3"
)

type Role string

const (
	RoleHost     Role = "host"
	RoleListener Role = "listener"
)

// PartyState is the UI-facing descriptor that survives restarts. It never holds handles.
type PartyState struct {
	SessionActive bool             `yaml:"sessionActive"`
	Role          Role             `yaml:"role,omitempty"`
	SessionID     domain.SessionID `yaml:"sessionId,omitempty"`
	ListenerCount int              `yaml:"listenerCount"`
	InviteLink    string           `yaml:"inviteLink,omitempty"`
}

// StateStore keeps PartyState in a YAML file. A nil store persists nothing.
type StateStore struct {
	mu   sync.Mutex
	path string
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

func (s *StateStore) Load() (PartyState, error) {
	if s == nil {
		return PartyState{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateStore) load() (PartyState, error) {
	var st PartyState
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(b, &st); err != nil {
		return PartyState{}, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	return st, nil
}

func (s *StateStore) Save(st PartyState) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

func (s *StateStore) save(st PartyState) error {
	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Update applies fn to the stored state and writes it back.
func (s *StateStore) Update(fn func(*PartyState)) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	return s.save(st)
}

func (s *StateStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

const inviteParam = "party"

// InviteLink is what a host shares; the session id is the only secret in it.
func InviteLink(publicURL string, sid domain.SessionID) string {
	return strings.TrimRight(publicURL, "/") + "/?" + inviteParam + "=" + url.QueryEscape(string(sid))
}

// ParseInvite accepts an invite link or a bare session id.
func ParseInvite(s string) (domain.SessionID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty invite")
	}
	if !strings.Contains(s, "://") {
		return domain.SessionID(s), nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse invite: %w", err)
	}
	sid := u.Query().Get(inviteParam)
	if sid == "" {
		return "", fmt.Errorf("invite %q has no %s parameter", s, inviteParam)
	}
	return domain.SessionID(sid), nil
}
