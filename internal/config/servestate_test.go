package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/drivefs/internal/config"
)

func TestServeStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := config.ServeStatePath(filepath.Join(dir, "state", "tasks.db"))
	assert.Equal(t, filepath.Join(dir, "state", "serve.toml"), path)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, config.WriteServeState(path, config.ServeState{
		Started: started,
		Name:    "host:42",
		Root:    "/srv/drive",
		Store:   "/var/lib/drivefs/tasks.db",
		PID:     42,
		Workers: 4,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `root = "/srv/drive"`)
	assert.NotContains(t, string(data), "metrics", "empty metrics address is omitted")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := config.ReadServeState(path)
	require.NoError(t, err)
	assert.Equal(t, 42, s.PID)
	assert.Equal(t, "host:42", s.Name)
	assert.True(t, started.Equal(s.Started))

	config.RemoveServeState(path)
	_, err = config.ReadServeState(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadServeState_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.toml")
	require.NoError(t, os.WriteFile(path, []byte("pid = [[["), 0o600))

	_, err := config.ReadServeState(path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
