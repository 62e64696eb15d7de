package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bamsammich/drivefs/internal/config"
	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/stats"
)

const (
	statsInterval = 30 * time.Second
	purgeInterval = time.Hour
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task scheduler until interrupted",
		Long: `Run the task scheduler. Workers claim queued tasks from the task
database and execute them step by step beneath the drive root.

On SIGINT or SIGTERM the running tasks are paused at their last committed
step and picked up by the next server. A server that dies without pausing
its tasks loses them only until their leases expire.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().Int("workers", 0, "number of task workers (default from config)")
	cmd.Flags().String("metrics", "", "serve Prometheus metrics on ADDR (host:port)")
	cmd.Flags().String("bwlimit", "", "cap copy throughput, e.g. 100M")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	var logger *slog.Logger
	events := func(e event.Event) {
		if logger != nil {
			logEvent(logger, e)
		}
	}
	a, err := newApp(cmd, events)
	if err != nil {
		return err
	}
	defer a.Close()
	logger = a.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Listen != "" {
		srv, err := serveMetrics(a.cfg.Metrics.Listen, a.stats, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort on exit
		}()
	}

	host, _ := os.Hostname()
	statePath := config.ServeStatePath(a.cfg.Store.Path)
	if err := config.WriteServeState(statePath, config.ServeState{
		Started: time.Now(),
		Name:    fmt.Sprintf("%s:%d", host, os.Getpid()),
		Root:    a.cfg.Drive.Root,
		Store:   a.cfg.Store.Path,
		Metrics: a.cfg.Metrics.Listen,
		PID:     os.Getpid(),
		Workers: a.cfg.Scheduler.Workers,
	}); err != nil {
		logger.Warn("failed to write serve state file", "error", err)
	}
	defer config.RemoveServeState(statePath)

	go housekeeping(ctx, a)

	err = a.sched.Run(ctx)
	if n := a.fs.CleanupTmpFiles(); n > 0 {
		logger.Info("removed temporary copies", "count", n)
	}
	return err
}

// housekeeping feeds the throughput ring, logs progress, and purges old
// acknowledged tasks until ctx is done.
func housekeeping(ctx context.Context, a *app) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	lastReport := time.Now()
	var lastPurge time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			a.stats.Tick()
			if now.Sub(lastReport) >= statsInterval {
				lastReport = now
				snap := a.stats.Snapshot()
				if snap.Running > 0 {
					a.logger.Info("progress",
						"running", snap.Running,
						"rate", stats.FormatBytes(int64(a.stats.RollingSpeed(10)))+"/s",
						"items_per_sec", a.stats.RollingItemsPerSec(10),
						"stats", snap.String())
				}
			}
			if a.cfg.Store.PurgeAfter > 0 && now.Sub(lastPurge) >= purgeInterval {
				lastPurge = now
				if _, err := a.sched.Purge(ctx, a.cfg.Store.PurgeAfter); err != nil && ctx.Err() == nil {
					a.logger.Warn("purge failed", "error", err)
				}
			}
		}
	}
}

func serveMetrics(addr string, c *stats.Collector, logger *slog.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv, nil
}

func logEvent(logger *slog.Logger, e event.Event) {
	attrs := []slog.Attr{
		slog.String("type", e.Type.String()),
		slog.String("task", e.TaskID),
		slog.String("tag", e.Tag),
	}
	if e.WorkerID != 0 {
		attrs = append(attrs, slog.Int("worker", e.WorkerID))
	}
	if e.Items != 0 || e.Bytes != 0 {
		attrs = append(attrs, slog.Int64("items", e.Items), slog.Int64("bytes", e.Bytes))
	}
	if e.Recovery {
		attrs = append(attrs, slog.Bool("recovery", true))
	}
	level := slog.LevelDebug
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
		level = slog.LevelInfo
	}
	logger.LogAttrs(context.Background(), level, "drivefs.event", attrs...)
}
