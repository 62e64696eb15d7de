package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/drivefs/internal/config"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configDir := filepath.Join(dir, "drivefs")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	path := filepath.Join(configDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Scheduler, cfg.Scheduler)
	assert.Empty(t, cfg.Drive.Root)
	assert.Equal(t, uint32(0o755), cfg.Drive.DirMode)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	writeConfig(t, dir, `
[drive]
root = "/srv/drive"
dir_mode = 0o750
trash_template = "home/{owner}/.trash"
home_template = "home/{owner}"
bwlimit = "100M"
fsync = true

[scheduler]
workers = 16
lease_ttl = "1m"
time_slice = "5s"

[store]
path = "/var/lib/drivefs/tasks.db"
purge_after = "24h"

[log]
level = "debug"
file = "/var/log/drivefs.json"

[metrics]
listen = ":9100"
`)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/drive", cfg.Drive.Root)
	assert.Equal(t, uint32(0o750), cfg.Drive.DirMode)
	assert.Equal(t, uint32(0o644), cfg.Drive.FileMode, "unset keys keep defaults")
	assert.Equal(t, "home/{owner}/.trash", cfg.Drive.TrashTemplate)
	assert.Equal(t, "home/{owner}", cfg.Drive.HomeTemplate)
	assert.True(t, cfg.Drive.Fsync)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
	assert.Equal(t, time.Minute, cfg.Scheduler.LeaseTTL)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TimeSlice)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, "/var/lib/drivefs/tasks.db", cfg.Store.Path)
	assert.Equal(t, 24*time.Hour, cfg.Store.PurgeAfter)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/drivefs.json", cfg.Log.File)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	require.NoError(t, cfg.Validate())

	limit, err := cfg.BandwidthLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(100<<20), limit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := writeConfig(t, dir, `
[drive]
root = "/srv/drive"

[scheduler]
workers = 2
`)
	t.Setenv("DRIVEFS_DRIVE_ROOT", "/mnt/other")
	t.Setenv("DRIVEFS_SCHEDULER_WORKERS", "9")
	t.Setenv("DRIVEFS_SCHEDULER_LEASE_TTL", "45s")
	t.Setenv("DRIVEFS_DRIVE_DIR_MODE", "0700")
	t.Setenv("DRIVEFS_DRIVE_BWLIMIT", "10K")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/other", cfg.Drive.Root)
	assert.Equal(t, 9, cfg.Scheduler.Workers)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.LeaseTTL)
	assert.Equal(t, uint32(0o700), cfg.Drive.DirMode)
	assert.Equal(t, "10K", cfg.Drive.BWLimit)
}

func TestLoad_UnprefixedEnvIgnored(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ROOT", "/should/not/apply")
	t.Setenv("LISTEN", ":1")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Drive.Root)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DRIVEFS_SCHEDULER_WORKERS", "many")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	writeConfig(t, dir, "invalid [[[")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := config.Default()
	valid.Drive.Root = "/srv/drive"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no root", func(c *config.Config) { c.Drive.Root = "" }},
		{"relative root", func(c *config.Config) { c.Drive.Root = "srv/drive" }},
		{"mode type bits", func(c *config.Config) { c.Drive.DirMode = 0o40755 }},
		{"no workers", func(c *config.Config) { c.Scheduler.Workers = 0 }},
		{"no lease", func(c *config.Config) { c.Scheduler.LeaseTTL = 0 }},
		{"no store", func(c *config.Config) { c.Store.Path = "" }},
		{"bad bwlimit", func(c *config.Config) { c.Drive.BWLimit = "fast" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/drivefs/config.toml", config.Path())
}

func TestDefaultStorePath(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/custom/state")
	assert.Equal(t, "/custom/state/drivefs/tasks.db", config.Default().Store.Path)
}
