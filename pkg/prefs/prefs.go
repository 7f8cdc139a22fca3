// Package prefs persists small client-side preferences: the streaming toggle,
// the bearer token and the last used session.
package prefs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Prefs struct {
	EnableStreaming *bool  `yaml:"enable_streaming,omitempty"`
	Token           string `yaml:"token,omitempty"`
	SessionID       string `yaml:"session_id,omitempty"`
	Provider        string `yaml:"provider,omitempty"`
	Model           string `yaml:"model,omitempty"`
}

// StreamingEnabled defaults to true when the flag was never written.
func (p Prefs) StreamingEnabled() bool {
	return p.EnableStreaming == nil || *p.EnableStreaming
}

// Store reads and writes a YAML preferences file. Reads always hit the file so
// that changes made by another process are visible.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the stored preferences. A missing file yields zero Prefs.
func (s *Store) Load() (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, errors.Wrapf(err, "read prefs %s", s.path)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prefs{}, errors.Wrapf(err, "parse prefs %s", s.path)
	}
	return p, nil
}

// Update applies fn to the stored preferences and writes them back atomically.
func (s *Store) Update(fn func(*Prefs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(&p)
	data, err := yaml.Marshal(&p)
	if err != nil {
		return errors.Wrap(err, "encode prefs")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create prefs directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write prefs")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace prefs")
	}
	return nil
}

// EnableStreaming reports the persisted streaming preference. Unreadable files
// are logged and treated as the default.
func (s *Store) EnableStreaming() bool {
	p, err := s.Load()
	if err != nil {
		log.Warn().Err(err).Str("component", "prefs").Msg("falling back to default streaming preference")
		return true
	}
	return p.StreamingEnabled()
}

func (s *Store) SetEnableStreaming(v bool) error {
	return s.Update(func(p *Prefs) {
		p.EnableStreaming = &v
	})
}

// Token implements api.TokenSource.
func (s *Store) Token() (string, error) {
	p, err := s.Load()
	if err != nil {
		return "", err
	}
	return p.Token, nil
}

func (s *Store) SetToken(token string) error {
	return s.Update(func(p *Prefs) {
		p.Token = token
	})
}

func (s *Store) SetSessionID(id string) error {
	return s.Update(func(p *Prefs) {
		p.SessionID = id
	})
}
