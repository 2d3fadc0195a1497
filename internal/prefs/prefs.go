// Package prefs is the client's durable key/value store for user preferences.
// Entries expire, and the file is TOML so it can be edited by hand.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"gwi.com/polychat/internal/config"
)

const (
	SelectedModelKey = "selected-model"
	SelectedModelTTL = 365 * 24 * time.Hour
)

type entry struct {
	Value   string    `toml:"value"`
	Expires time.Time `toml:"expires"`
}

type file struct {
	Prefs map[string]entry `toml:"prefs"`
}

type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]entry
	now  func() time.Time
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]entry), now: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultPath is $XDG_CONFIG_HOME/polychat/prefs.toml or its platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "polychat-prefs.toml"
	}
	return filepath.Join(dir, "polychat", "prefs.toml")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read prefs %s: %w", s.path, err)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse prefs %s: %w", s.path, err)
	}
	if f.Prefs != nil {
		s.data = f.Prefs
	}
	return nil
}

func (s *Store) save() error {
	data, err := toml.Marshal(file{Prefs: s.data})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Get returns the value for key if present and not expired.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || !s.now().Before(e.Expires) {
		return "", false
	}
	return e.Value, true
}

// Set writes key with the given lifetime and persists the store.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{Value: value, Expires: s.now().Add(ttl).UTC().Truncate(time.Second)}
	return s.save()
}

func (s *Store) SelectedModel() string {
	if v, ok := s.Get(SelectedModelKey); ok {
		return v
	}
	return config.DefaultModel
}

func (s *Store) SetSelectedModel(model string) error {
	return s.Set(SelectedModelKey, model, SelectedModelTTL)
}
