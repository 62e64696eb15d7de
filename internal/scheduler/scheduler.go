// Package scheduler runs persisted tasks on a fixed pool of workers. Each
// worker leases one task at a time from the store, executes its steps, and
// commits every step's outcome under the lease token, so a crashed process
// loses at most the step in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bamsammich/drivefs/internal/collab"
	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/stats"
	"github.com/bamsammich/drivefs/internal/task"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultWorkers      = 4
	DefaultLeaseTTL     = 30 * time.Second
	DefaultTimeSlice    = 10 * time.Second
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = 200 * time.Millisecond
	DefaultBackoffMax   = 30 * time.Second
)

// CanceledMessage is the error message of a task stopped by Cancel.
const CanceledMessage = "canceled"

var (
	// ErrAccessDenied is wrapped by Submit and Resubmit when the permission
	// checker refuses one of the task's paths.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnknownType is returned for a tag with no registered definition.
	ErrUnknownType = errors.New("unknown task type")

	errCanceled  = errors.New(CanceledMessage)
	errLeaseLost = errors.New("lease lost")
)

// Config controls the scheduler.
type Config struct {
	Store       task.Store
	Registry    *task.Registry
	FS          *nativefs.FS
	Tracker     collab.Tracker
	Permissions collab.PermissionChecker
	Logger      *slog.Logger
	Stats       *stats.Collector
	Events      event.Sink

	// Name identifies this process in lease_owner. Defaults to host:pid.
	Name         string
	Workers      int
	LeaseTTL     time.Duration
	TimeSlice    time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	// Now supplies timestamps; tests override it.
	Now func() time.Time
}

// Scheduler admits, runs, and manages tasks.
type Scheduler struct {
	cfg     Config
	cancels *xsync.Map[task.ID, context.CancelCauseFunc]
	wake    chan struct{}
}

// New validates cfg and fills its defaults.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.FS == nil {
		return nil, errors.New("scheduler: store, registry and filesystem are required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = &collab.LogTracker{Logger: cfg.Logger}
	}
	if cfg.Permissions == nil {
		cfg.Permissions = collab.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.Events == nil {
		cfg.Events = event.Discard
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = DefaultTimeSlice
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		cancels: xsync.NewMap[task.ID, context.CancelCauseFunc](),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Stats returns the collector the scheduler reports to.
func (s *Scheduler) Stats() *stats.Collector { return s.cfg.Stats }

// Run starts the workers and blocks until ctx is cancelled and every worker
// has put its task back. Tasks interrupted by shutdown are left PAUSED.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cfg.Logger.Info("scheduler started", "workers", s.cfg.Workers, "lease_ttl", s.cfg.LeaseTTL, "name", s.cfg.Name)
	var wg sync.WaitGroup
	for i := range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &worker{s: s, id: i + 1, logger: s.cfg.Logger.With("worker", i+1)}
			w.loop(ctx)
		}()
	}
	wg.Wait()
	s.cfg.Logger.Info("scheduler stopped", "stats", s.cfg.Stats.Snapshot().String())
	return nil
}

// RunOnce claims and runs tasks on the calling goroutine until none is
// eligible. It is meant for one-shot CLI use and tests.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	w := &worker{s: s, id: 1, logger: s.cfg.Logger.With("worker", 1)}
	for ctx.Err() == nil {
		claimed, err := w.claimAndRun(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
	return ctx.Err()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(e event.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.cfg.Now()
	}
	s.cfg.Events(e)
}

// Request is a task submission.
type Request struct {
	Tag     task.Tag
	Payload any
}

// Submit checks principal's access to every path the request touches, then
// stores it as a PENDING task owned by principal.
func (s *Scheduler) Submit(ctx context.Context, principal string, req Request) (task.ID, error) {
	payload, err := task.Encode(req.Payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", req.Tag, err)
	}
	return s.create(ctx, principal, req.Tag, payload)
}

func (s *Scheduler) create(ctx context.Context, principal string, tag task.Tag, payload []byte) (task.ID, error) {
	def, ok := s.cfg.Registry.Lookup(tag)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownType, tag)
	}
	access, err := def.Admit(payload)
	if err != nil {
		return "", err
	}
	if err := s.checkAccess(ctx, principal, access); err != nil {
		return "", err
	}

	d := task.New(tag, principal, payload, s.cfg.Now())
	if err := s.cfg.Store.Create(ctx, d); err != nil {
		return "", err
	}
	s.cfg.Stats.AddTasksSubmitted(1)
	s.emit(event.Event{Type: event.TaskSubmitted, TaskID: d.ID.String(), Tag: string(tag)})
	s.cfg.Logger.Info("task submitted", "task", d.ID, "type", tag, "owner", principal)
	s.notify()
	return d.ID, nil
}

// checkAccess asks the permission checker once per distinct path and right.
func (s *Scheduler) checkAccess(ctx context.Context, principal string, access []task.Access) error {
	type key struct {
		path  string
		right task.Right
	}
	seen := make(map[key]bool, len(access))
	for _, a := range access {
		k := key{a.Path.String(), a.Right}
		if seen[k] {
			continue
		}
		seen[k] = true
		dec, err := s.cfg.Permissions.CheckAccess(ctx, principal, a.Path, a.Right)
		if err != nil {
			return fmt.Errorf("check %s access to %s: %w", a.Right, a.Path, err)
		}
		if dec != collab.Allowed {
			s.cfg.Logger.Warn("task denied", "owner", principal, "path", a.Path.String(), "right", a.Right)
			return fserr.New(fserr.PermissionDenied, string(a.Right), a.Path.String(), ErrAccessDenied)
		}
	}
	return nil
}

// Get returns the current descriptor of id.
func (s *Scheduler) Get(ctx context.Context, id task.ID) (task.Descriptor, error) {
	return s.cfg.Store.Get(ctx, id)
}

// List returns descriptors matching f.
func (s *Scheduler) List(ctx context.Context, f task.Filter) ([]task.Descriptor, error) {
	return s.cfg.Store.List(ctx, f)
}

// Cancel requests that id stop. A task held by a worker in this process
// stops within its current step; otherwise the holder notices on its next
// heartbeat, and a waiting task fails when next claimed.
func (s *Scheduler) Cancel(ctx context.Context, id task.ID) error {
	if err := s.cfg.Store.RequestCancel(ctx, id); err != nil {
		return err
	}
	if cancel, ok := s.cancels.Load(id); ok {
		cancel(errCanceled)
	}
	s.cfg.Logger.Info("task cancel requested", "task", id)
	s.notify()
	return nil
}

// Resubmit creates a new task from the persisted payload of a FAILED one,
// so it resumes from the unresolved part of its worklist. The failed task
// is acknowledged.
func (s *Scheduler) Resubmit(ctx context.Context, principal string, id task.ID) (task.ID, error) {
	d, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Status != task.Failed {
		return "", fmt.Errorf("resubmit %s: %w: task is %s", id, task.ErrInvalidTransition, d.Status)
	}
	newID, err := s.create(ctx, principal, d.Type, d.Payload)
	if err != nil {
		return "", err
	}
	if err := s.cfg.Store.Ack(ctx, id); err != nil {
		s.cfg.Logger.Warn("could not acknowledge resubmitted task", "task", id, "error", err)
	}
	s.cfg.Logger.Info("task resubmitted", "task", newID, "from", id)
	return newID, nil
}

// Ack marks a terminal task as seen, making it eligible for Purge.
func (s *Scheduler) Ack(ctx context.Context, id task.ID) error {
	return s.cfg.Store.Ack(ctx, id)
}

// Purge deletes acknowledged terminal tasks not updated within olderThan.
func (s *Scheduler) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.cfg.Store.Purge(ctx, s.cfg.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.cfg.Logger.Info("purged tasks", "count", n)
	}
	return n, nil
}
