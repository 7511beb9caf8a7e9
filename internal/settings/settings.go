// Package settings persists the agent's AuthState across restarts —
// the spec's opaque "settings store" (spec §1, §6) — grounded on the
// teacher's internal/auth.TokenStore: a single YAML file under the
// user's config directory.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AuthState is the only state the agent persists across restarts
// (spec §6): the credentials and addressing it needs to re-attach to
// signaling without the host re-running enable().
type AuthState struct {
	Bearer       string `yaml:"bearer"`
	DeviceID     string `yaml:"device_id"`
	SignalingURL string `yaml:"signaling_url"`
	UserHandle   string `yaml:"user_handle"`
}

// Store persists AuthState. The reference implementation backs it
// with a YAML file; production deployments may inject their own.
type Store interface {
	Load() (*AuthState, error)
	Save(*AuthState) error
	Clear() error
}

// FileStore is the reference Store: a single auth.yaml under Dir,
// written with owner-only permissions since it carries a bearer token.
type FileStore struct {
	Dir string
}

// NewFileStore builds a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path() string {
	return filepath.Join(s.Dir, "auth.yaml")
}

// Load returns the persisted AuthState, or (nil, nil) if none has
// ever been saved.
func (s *FileStore) Load() (*AuthState, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read auth state: %w", err)
	}
	var state AuthState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse auth state: %w", err)
	}
	return &state, nil
}

// Save writes state, creating Dir if needed.
func (s *FileStore) Save(state *AuthState) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return fmt.Errorf("write auth state: %w", err)
	}
	return nil
}

// Clear removes the persisted state, used by disable().
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove auth state: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
