package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/drivefs/internal/collab"
	"github.com/bamsammich/drivefs/internal/config"
	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/filter"
	"github.com/bamsammich/drivefs/internal/logging"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/scheduler"
	"github.com/bamsammich/drivefs/internal/stats"
	"github.com/bamsammich/drivefs/internal/task"
	"github.com/bamsammich/drivefs/internal/task/sqlitestore"
	"github.com/bamsammich/drivefs/internal/tasks"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drivefs:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drivefs",
		Short:         "Run and manage file operations on a shared drive root",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/drivefs/config.toml)")
	pf.String("root", "", "drive root directory")
	pf.String("store", "", "task database path")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log", "", "append a structured JSON log to FILE")
	pf.String("as", "", "principal tasks are submitted as (default: current user)")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newShowCmd(),
		newListCmd(),
		newCancelCmd(),
		newResubmitCmd(),
		newAckCmd(),
		newPurgeCmd(),
		newStatusCmd(),
		newStatCmd(),
		newLsCmd(),
		newDocsCmd(),
	)
	return root
}

// app holds everything a command needs, built from config and flags.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	res     *resolver.Resolver
	fs      *nativefs.FS
	store   *sqlitestore.Store
	sched   *scheduler.Scheduler
	pool    *nativefs.Pool
	stats   *stats.Collector
	logFile *os.File
}

// loadConfig reads the config file and environment, then applies flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config") //nolint:errcheck // flag name is hardcoded
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name) //nolint:errcheck // flag name is hardcoded
		}
	}
	str("root", &cfg.Drive.Root)
	str("store", &cfg.Store.Path)
	str("log-level", &cfg.Log.Level)
	str("log", &cfg.Log.File)
	if f := flags.Lookup("workers"); f != nil && f.Changed {
		cfg.Scheduler.Workers, _ = flags.GetInt("workers") //nolint:errcheck // flag name is hardcoded
	}
	if f := flags.Lookup("metrics"); f != nil && f.Changed {
		cfg.Metrics.Listen, _ = flags.GetString("metrics") //nolint:errcheck // flag name is hardcoded
	}
	if f := flags.Lookup("bwlimit"); f != nil && f.Changed {
		cfg.Drive.BWLimit, _ = flags.GetString("bwlimit") //nolint:errcheck // flag name is hardcoded
	}
	return cfg, cfg.Validate()
}

func newApp(cmd *cobra.Command, events event.Sink) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, stats: stats.NewCollector()}
	if cfg.Log.File != "" {
		//nolint:gosec // G304: log path comes from the operator
		a.logFile, err = os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
	}
	var jsonOut io.Writer
	if a.logFile != nil {
		jsonOut = a.logFile
	}
	a.logger = logging.New(os.Stderr, level, jsonOut)
	slog.SetDefault(a.logger)

	if err := a.open(events); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(events event.Sink) error {
	cfg := a.cfg

	var err error
	a.store, err = sqlitestore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	a.res, err = resolver.New(platform.Native(), cfg.Drive.Root, a.logger)
	if err != nil {
		return err
	}

	limit, _ := cfg.BandwidthLimit() //nolint:errcheck // checked by Validate
	a.fs = nativefs.New(a.res, nativefs.Options{
		FileMode:      cfg.Drive.FileMode,
		DirMode:       cfg.Drive.DirMode,
		XattrPrefix:   cfg.Drive.XattrPrefix,
		Limiter:       nativefs.NewBWLimiter(limit),
		PreserveOwner: cfg.Drive.PreserveOwner,
		Fsync:         cfg.Drive.Fsync,
		Logger:        a.logger,
	})
	a.pool = nativefs.NewPool(cfg.Drive.IOThreads)

	reg := task.NewRegistry()
	if err := tasks.Register(reg, tasks.Options{
		TrashTemplate: cfg.Drive.TrashTemplate,
		DirMode:       cfg.Drive.DirMode,
	}); err != nil {
		return err
	}

	var perms collab.PermissionChecker = collab.AllowAll{}
	if cfg.Drive.HomeTemplate != "" {
		perms = collab.HomeScope{Template: cfg.Drive.HomeTemplate}
	}

	a.sched, err = scheduler.New(scheduler.Config{
		Store:        a.store,
		Registry:     reg,
		FS:           a.fs,
		Tracker:      &collab.LogTracker{Logger: a.logger},
		Permissions:  perms,
		Logger:       a.logger,
		Stats:        a.stats,
		Events:       events,
		Workers:      cfg.Scheduler.Workers,
		LeaseTTL:     cfg.Scheduler.LeaseTTL,
		TimeSlice:    cfg.Scheduler.TimeSlice,
		PollInterval: cfg.Scheduler.PollInterval,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		BackoffBase:  cfg.Scheduler.BackoffBase,
		BackoffMax:   cfg.Scheduler.BackoffMax,
	})
	return err
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.res != nil {
		a.res.Close() //nolint:errcheck // closing a read-only directory fd
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close task store", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close() //nolint:errcheck // best-effort on exit
	}
}

// principal returns --as, or the invoking user's name.
func principal(cmd *cobra.Command) (string, error) {
	as, _ := cmd.Flags().GetString("as") //nolint:errcheck // flag name is hardcoded
	if as != "" {
		return as, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("determine current user (use --as): %w", err)
	}
	return u.Username, nil
}

func parsePath(s string) (resolver.VirtualPath, error) {
	vp, err := resolver.ParsePath(s)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", s, err)
	}
	return vp, nil
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

var _ pflag.Value = (*filterFlag)(nil)

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "pattern" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

// sizeFlag accepts human sizes such as 10M.
type sizeFlag int64

var _ pflag.Value = (*sizeFlag)(nil)

func (s *sizeFlag) String() string {
	if *s == 0 {
		return ""
	}
	return stats.FormatBytes(int64(*s))
}

func (*sizeFlag) Type() string { return "size" }

func (s *sizeFlag) Set(val string) error {
	n, err := filter.ParseSize(val)
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New("size must not be negative")
	}
	*s = sizeFlag(n)
	return nil
}
