// Package config loads the service configuration: defaults, then the TOML
// file, then DRIVEFS_* environment variables. Command-line flags are applied
// last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/bamsammich/drivefs/internal/filter"
)

// EnvPrefix prefixes every environment override, e.g. DRIVEFS_DRIVE_ROOT or
// DRIVEFS_SCHEDULER_LEASE_TTL.
const EnvPrefix = "drivefs"

// Config is the full service configuration.
type Config struct {
	Drive     DriveConfig     `toml:"drive"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// DriveConfig describes the pinned root and how entries are created in it.
type DriveConfig struct {
	Root          string `toml:"root"`
	XattrPrefix   string `toml:"xattr_prefix" split_words:"true"`
	TrashTemplate string `toml:"trash_template" split_words:"true"`
	// HomeTemplate confines each principal to its home when set; empty
	// allows every principal everywhere under the root.
	HomeTemplate string `toml:"home_template" split_words:"true"`
	// BWLimit caps copy throughput, e.g. "100M". Empty means unlimited.
	BWLimit       string `toml:"bwlimit"`
	DirMode       uint32 `toml:"dir_mode" split_words:"true"`
	FileMode      uint32 `toml:"file_mode" split_words:"true"`
	IOThreads     int    `toml:"io_threads" split_words:"true"`
	Fsync         bool   `toml:"fsync"`
	PreserveOwner bool   `toml:"preserve_owner" split_words:"true"`
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	Workers      int           `toml:"workers"`
	MaxAttempts  int           `toml:"max_attempts" split_words:"true"`
	LeaseTTL     time.Duration `toml:"lease_ttl" split_words:"true"`
	TimeSlice    time.Duration `toml:"time_slice" split_words:"true"`
	PollInterval time.Duration `toml:"poll_interval" split_words:"true"`
	BackoffBase  time.Duration `toml:"backoff_base" split_words:"true"`
	BackoffMax   time.Duration `toml:"backoff_max" split_words:"true"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path string `toml:"path"`
	// PurgeAfter is how long acknowledged tasks are kept; zero keeps them.
	PurgeAfter time.Duration `toml:"purge_after" split_words:"true"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
	// File receives a JSON copy of every record when set.
	File string `toml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port serving /metrics; empty disables it.
	Listen string `toml:"listen"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Drive: DriveConfig{
			XattrPrefix:   "user.drivefs.",
			TrashTemplate: "{owner}/.trash",
			DirMode:       0o755,
			FileMode:      0o644,
			IOThreads:     8,
		},
		Scheduler: SchedulerConfig{
			Workers:      4,
			MaxAttempts:  5,
			LeaseTTL:     30 * time.Second,
			TimeSlice:    10 * time.Second,
			PollInterval: time.Second,
			BackoffBase:  200 * time.Millisecond,
			BackoffMax:   30 * time.Second,
		},
		Store: StoreConfig{
			Path:       filepath.Join(stateDir(), "tasks.db"),
			PurgeAfter: 7 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Path returns the default location of the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "drivefs", "config.toml")
}

func stateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "drivefs")
}

// Load builds the configuration from defaults, the file at path (Path() when
// empty), and the environment. A missing file at the default location is not
// an error; a missing file that was named explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = Path()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) || explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Drive.Root == "":
		return errors.New("drive.root is required")
	case !filepath.IsAbs(c.Drive.Root):
		return fmt.Errorf("drive.root %q must be absolute", c.Drive.Root)
	case c.Drive.DirMode&^0o7777 != 0 || c.Drive.FileMode&^0o7777 != 0:
		return errors.New("drive modes must be permission bits")
	case c.Scheduler.Workers < 1:
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	case c.Scheduler.LeaseTTL <= 0:
		return errors.New("scheduler.lease_ttl must be positive")
	case c.Store.Path == "":
		return errors.New("store.path is required")
	}
	if _, err := c.BandwidthLimit(); err != nil {
		return err
	}
	return nil
}

// BandwidthLimit returns the copy throughput cap in bytes per second, or 0.
func (c Config) BandwidthLimit() (int64, error) {
	if c.Drive.BWLimit == "" {
		return 0, nil
	}
	n, err := filter.ParseSize(c.Drive.BWLimit)
	if err != nil {
		return 0, fmt.Errorf("drive.bwlimit: %w", err)
	}
	return n, nil
}
