package config

import (
	"os"
	"path/filepath"
)

// UserDir returns ~/.tunnel-agent, the directory holding the agent's
// persisted AuthState (settings store), grounded on the teacher's
// ~/.wingthing convention. The agent's config file is not read from
// here; its path comes from the --config flag.
func UserDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".tunnel-agent"), nil
}

// EnsureUserDir creates the user config directory if it does not
// already exist.
func EnsureUserDir() (string, error) {
	dir, err := UserDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
