package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ServeState is written by a running `drivefs serve` so other invocations
// can find it.
type ServeState struct {
	Started time.Time `toml:"started"`
	Name    string    `toml:"name"`
	Root    string    `toml:"root"`
	Store   string    `toml:"store"`
	Metrics string    `toml:"metrics,omitempty"`
	PID     int       `toml:"pid"`
	Workers int       `toml:"workers"`
}

// ServeStatePath returns the state file location next to the task database.
func ServeStatePath(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), "serve.toml")
}

// WriteServeState records s at path, creating the parent directory.
func WriteServeState(path string, s ServeState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encode serve state: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ReadServeState reads the state file. Returns os.ErrNotExist when no
// server has written one.
func ReadServeState(path string) (ServeState, error) {
	var s ServeState
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ServeState{}, os.ErrNotExist
		}
		return ServeState{}, err
	}
	return s, nil
}

// RemoveServeState removes the state file (best-effort).
func RemoveServeState(path string) {
	os.Remove(path) //nolint:errcheck // best-effort cleanup on shutdown
}
