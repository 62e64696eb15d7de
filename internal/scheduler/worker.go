package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/task"
)

type worker struct {
	s      *Scheduler
	logger *slog.Logger
	id     int
}

func (w *worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := w.claimAndRun(ctx)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.s.wake:
		case <-time.After(w.s.cfg.PollInterval):
		}
	}
}

func (w *worker) claimAndRun(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	c, err := w.s.cfg.Store.Claim(ctx, w.s.cfg.Name, token, w.s.cfg.Now(), w.s.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if c == nil {
		return false, nil
	}
	h := &hold{
		w:      w,
		id:     c.ID,
		tag:    c.Type,
		token:  token,
		logger: w.logger.With("task", c.ID, "type", c.Type),
		store:  context.WithoutCancel(ctx),
	}
	h.run(ctx, c)
	return true, nil
}

// hold is one worker's lease on one task.
type hold struct {
	w      *worker
	logger *slog.Logger
	store  context.Context // outlives shutdown so the final commit lands
	id     task.ID
	tag    task.Tag
	token  string

	canceled atomic.Bool
	lost     atomic.Bool
	activity atomic.Int64
}

func (h *hold) cfg() *Config { return &h.w.s.cfg }

// touch records liveness for the heartbeat.
func (h *hold) touch() { h.activity.Add(1) }

func (h *hold) report(int64) { h.touch() }

func (h *hold) emit(e event.Event) {
	e.TaskID = h.id.String()
	e.Tag = string(h.tag)
	e.WorkerID = h.w.id
	h.w.s.emit(e)
}

func (h *hold) run(ctx context.Context, c *task.Claim) {
	s := h.w.s
	cfg := h.cfg()
	cfg.Stats.AddTasksClaimed(1)
	cfg.Stats.AddRunning(1)
	defer cfg.Stats.AddRunning(-1)
	if c.Recovering {
		cfg.Stats.AddRecoveries(1)
		h.logger.Warn("recovering task after expired lease", "attempts", c.Attempts)
	} else {
		h.logger.Debug("task claimed")
	}
	h.emit(event.Event{Type: event.TaskClaimed, Recovery: c.Recovering})

	if c.CancelRequested {
		h.finishCanceled(nil, c.Progress, c.Attempts)
		return
	}
	def, ok := cfg.Registry.Lookup(c.Type)
	if !ok {
		h.finishFailed(nil, c.Progress, c.Attempts, fserr.Fatal, "unknown task type "+string(c.Type))
		return
	}

	stepCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	s.cancels.Store(h.id, func(error) { h.canceled.Store(true) })
	defer s.cancels.Delete(h.id)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.heartbeat(stop, abort)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	h.steps(ctx, stepCtx, def, c)
}

// steps advances the task until it finishes, yields, or is interrupted.
func (h *hold) steps(ctx, stepCtx context.Context, def task.Definition, c *task.Claim) {
	cfg := h.cfg()
	payload := c.Payload
	prog := c.Progress
	attempts := c.Attempts
	recovering := c.Recovering
	sliceEnd := cfg.Now().Add(cfg.TimeSlice)

	for {
		switch {
		case h.lost.Load():
			h.leaseLost()
			return
		case h.canceled.Load():
			h.finishCanceled(nil, prog, attempts)
			return
		case ctx.Err() != nil:
			h.pause(nil, prog, attempts)
			return
		}

		env := &task.Env{
			FS:         cfg.FS,
			Logger:     h.logger,
			Report:     h.report,
			TaskID:     h.id,
			Owner:      c.Owner,
			Recovering: recovering,
			Clock:      cfg.Now,
		}
		res := def.Step(stepCtx, env, payload)
		cfg.Stats.AddStepsRun(1)
		h.touch()

		var state []byte
		if res.State != nil {
			var err error
			if state, err = task.Encode(res.State); err != nil {
				res = task.Fail(fserr.Fatal, "encode task state: "+err.Error())
			}
		}

		switch {
		case h.lost.Load():
			h.leaseLost()
			return
		case res.Outcome == task.OutcomeDone:
			h.finishDone(prog.Apply(res.Delta), attempts, res.Delta)
			return
		case h.canceled.Load():
			if res.Outcome == task.OutcomeFailed && state == nil {
				h.finishCanceled(nil, prog, attempts)
			} else {
				h.finishCanceled(state, prog.Apply(res.Delta), attempts)
			}
			return
		case ctx.Err() != nil:
			// A step cut short by shutdown is rerun on the next claim.
			if res.Outcome == task.OutcomeContinue {
				prog = prog.Apply(res.Delta)
				h.track(res.Delta)
				h.pause(state, prog, 0)
			} else {
				h.pause(nil, prog, attempts)
			}
			return
		case res.Outcome == task.OutcomeContinue:
			prog = prog.Apply(res.Delta)
			attempts = 0
			status := task.Running
			if !cfg.Now().Before(sliceEnd) {
				status = task.Paused
			}
			if h.commit(task.Update{Status: status, Payload: state, Progress: prog}) != nil {
				return
			}
			h.track(res.Delta)
			if status == task.Paused {
				cfg.Stats.AddTasksYielded(1)
				h.logger.Debug("task yielded", "items", prog.ItemsDone, "bytes", prog.BytesDone)
				h.emit(event.Event{Type: event.TaskYielded, Items: prog.ItemsDone, Bytes: prog.BytesDone})
				h.w.s.notify()
				return
			}
			h.emit(event.Event{Type: event.TaskProgress, Items: res.Delta.Items, Bytes: res.Delta.Bytes})
			payload = state
			recovering = false
		case res.Kind.Transient() && attempts+1 < cfg.MaxAttempts:
			attempts++
			if h.commit(task.Update{Status: task.Running, Progress: prog, Attempts: attempts}) != nil {
				return
			}
			delay := backoff(cfg.BackoffBase, cfg.BackoffMax, attempts)
			cfg.Stats.AddRetries(1)
			h.logger.Warn("transient failure, retrying step",
				"attempt", attempts, "delay", delay, "error", res.Message)
			h.emit(event.Event{Type: event.TaskRetrying, Error: errors.New(res.Message)})
			if err := cfg.Store.Renew(h.store, h.id, h.token, cfg.Now().Add(delay+cfg.LeaseTTL)); err != nil {
				if errors.Is(err, task.ErrLeaseLost) {
					h.leaseLost()
					return
				}
				h.logger.Warn("lease renewal failed", "error", err)
			}
			select {
			case <-stepCtx.Done():
			case <-time.After(delay):
			}
			// The failed step may have partly applied before erroring.
			recovering = true
		default:
			if res.Kind.Transient() {
				attempts++
			}
			h.finishFailed(state, prog.Apply(res.Delta), attempts, res.Kind, res.Message)
			return
		}
	}
}

// heartbeat renews the lease while the task shows activity and watches for
// cancellation requested through the store.
func (h *hold) heartbeat(stop <-chan struct{}, abort context.CancelCauseFunc) {
	cfg := h.cfg()
	interval := max(cfg.LeaseTTL/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := h.activity.Load()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if d, err := cfg.Store.Get(h.store, h.id); err == nil && d.CancelRequested {
			h.canceled.Store(true)
		}
		cur := h.activity.Load()
		if cur == last {
			continue
		}
		last = cur
		err := cfg.Store.Renew(h.store, h.id, h.token, cfg.Now().Add(cfg.LeaseTTL))
		switch {
		case errors.Is(err, task.ErrLeaseLost):
			h.lost.Store(true)
			abort(errLeaseLost)
			return
		case err != nil:
			h.logger.Warn("lease renewal failed", "error", err)
		}
	}
}

func (h *hold) commit(u task.Update) error {
	err := h.cfg().Store.Commit(h.store, h.id, h.token, u, h.cfg().Now())
	switch {
	case errors.Is(err, task.ErrLeaseLost):
		h.leaseLost()
	case err != nil:
		h.logger.Error("commit failed", "status", u.Status, "error", err)
	default:
		h.touch()
	}
	return err
}

func (h *hold) leaseLost() {
	h.cfg().Stats.AddLeasesLost(1)
	h.logger.Warn("lease lost, abandoning task")
	h.emit(event.Event{Type: event.LeaseLost})
}

func (h *hold) pause(payload []byte, prog task.Progress, attempts int) {
	if h.commit(task.Update{Status: task.Paused, Payload: payload, Progress: prog, Attempts: attempts}) == nil {
		h.logger.Info("task paused for shutdown")
		h.emit(event.Event{Type: event.TaskYielded, Items: prog.ItemsDone, Bytes: prog.BytesDone})
	}
}

func (h *hold) finishDone(prog task.Progress, attempts int, delta task.Delta) {
	if prog.ItemsTotal < prog.ItemsDone {
		prog.ItemsTotal = prog.ItemsDone
	}
	if h.commit(task.Update{Status: task.Complete, Progress: prog, Attempts: attempts}) != nil {
		return
	}
	cfg := h.cfg()
	cfg.Stats.AddTasksCompleted(1)
	h.logger.Info("task complete", "items", prog.ItemsDone, "bytes", prog.BytesDone)
	h.emit(event.Event{Type: event.TaskCompleted, Items: prog.ItemsDone, Bytes: prog.BytesDone})

	delivered := h.track(delta)
	if err := cfg.Tracker.MarkComplete(h.store, h.id); err != nil {
		h.logger.Warn("tracker completion failed", "error", err)
		delivered = false
	}
	if !delivered {
		return
	}
	if err := cfg.Store.Ack(h.store, h.id); err != nil {
		h.logger.Warn("could not acknowledge task", "error", err)
	}
}

func (h *hold) finishFailed(payload []byte, prog task.Progress, attempts int, kind fserr.Kind, msg string) {
	if h.commit(task.Update{
		Status:       task.Failed,
		Payload:      payload,
		Progress:     prog,
		Attempts:     attempts,
		ErrorKind:    kind,
		ErrorMessage: msg,
	}) != nil {
		return
	}
	h.cfg().Stats.AddTasksFailed(1)
	h.logger.Warn("task failed", "kind", kind, "error", msg)
	h.emit(event.Event{Type: event.TaskFailed, Error: fserr.New(kind, string(h.tag), "", errors.New(msg))})
}

func (h *hold) finishCanceled(payload []byte, prog task.Progress, attempts int) {
	if h.commit(task.Update{
		Status:       task.Failed,
		Payload:      payload,
		Progress:     prog,
		Attempts:     attempts,
		ErrorKind:    fserr.Fatal,
		ErrorMessage: CanceledMessage,
	}) != nil {
		return
	}
	h.cfg().Stats.AddTasksCanceled(1)
	h.logger.Info("task canceled")
	h.emit(event.Event{Type: event.TaskCanceled, Error: errCanceled})
}

// track reports a committed delta. Tracker failures are logged only.
func (h *hold) track(d task.Delta) bool {
	if d.IsZero() {
		return true
	}
	cfg := h.cfg()
	cfg.Stats.AddItemsDone(d.Items)
	cfg.Stats.AddBytesDone(d.Bytes)
	if err := cfg.Tracker.AddUpdate(h.store, h.id, d); err != nil {
		h.logger.Warn("tracker update failed", "error", err)
		return false
	}
	return true
}

// backoff returns a jittered delay for the nth retry: base doubled per
// attempt, capped at limit, then scaled into [d/2, d].
func backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)
	half := d / 2
	return half + rand.N(half+1)
}
