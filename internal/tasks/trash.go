package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/drivefs/internal/collab"
	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// Trash phases.
const (
	PhasePrepare  = "prepare"
	PhaseMove     = "move"
	PhaseAnnotate = "annotate"
)

// maxTrashAttempts bounds the search for a free name in the trash.
const maxTrashAttempts = 1000

// TrashState is the trash payload. A new request only sets Path.
type TrashState struct {
	Path      resolver.VirtualPath `json:"path"`
	Phase     string               `json:"phase,omitempty"`
	TrashDir  resolver.VirtualPath `json:"trash_dir,omitempty"`
	Name      string               `json:"name,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	DeletedAt time.Time            `json:"deleted_at,omitzero"`
	Move      *MoveState           `json:"move,omitempty"`
}

// NewTrash returns the payload for moving path into its owner's trash.
func NewTrash(path resolver.VirtualPath) TrashState {
	return TrashState{Path: path}
}

func admitTrash(payload []byte) ([]task.Access, error) {
	var st TrashState
	if err := task.Decode(payload, &st); err != nil {
		return nil, err
	}
	if st.Path.IsRoot() {
		return nil, invalid("cannot trash the root")
	}
	switch st.Phase {
	case "", PhasePrepare, PhaseMove, PhaseAnnotate:
	default:
		return nil, invalid("unknown trash phase %q", st.Phase)
	}
	return []task.Access{{Path: st.Path, Right: task.RightDelete}}, nil
}

func trashStepFunc(opts Options) task.StepFunc {
	scope := collab.HomeScope{Template: opts.TrashTemplate}
	return func(ctx context.Context, env *task.Env, payload []byte) task.Result {
		var st TrashState
		if r := decodeState(payload, &st); r != nil {
			return *r
		}
		return finish(&st, st.advance(ctx, env, scope, opts.DirMode))
	}
}

// trashName returns the candidate name for attempt n: the original name,
// then "name (n).ext".
func trashName(base string, n int) string {
	if n == 0 {
		return base
	}
	stem, ext := base, ""
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		stem, ext = base[:i], base[i:]
	}
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

func (st *TrashState) target() resolver.VirtualPath {
	return st.TrashDir.Child(st.Name)
}

func (st *TrashState) advance(ctx context.Context, env *task.Env, scope collab.HomeScope, dirMode uint32) outcome {
	if o := checkCtx(ctx); o != nil {
		return *o
	}
	switch st.Phase {
	case "", PhasePrepare:
		return st.prepare(env, scope, dirMode)
	case PhaseMove:
		return st.move(ctx, env)
	case PhaseAnnotate:
		st.annotate(env)
		return outcome{done: true}
	default:
		return failed(fserr.Fatal, "unknown trash phase "+st.Phase)
	}
}

func (st *TrashState) prepare(env *task.Env, scope collab.HomeScope, dirMode uint32) outcome {
	dir, err := scope.Home(env.Owner)
	if err != nil {
		return failed(fserr.Fatal, fmt.Sprintf("trash directory: %v", err))
	}
	if dir.IsRoot() {
		return failed(fserr.Fatal, "trash directory resolves to the root")
	}
	if st.Path.HasPrefix(dir) {
		return failed(fserr.Fatal, fmt.Sprintf("%s is already in the trash", st.Path))
	}
	if dir.HasPrefix(st.Path) {
		return failed(fserr.Fatal, fmt.Sprintf("cannot trash %s, it contains the trash directory", st.Path))
	}
	if _, err := env.FS.Stat(st.Path); err != nil {
		return failedErr(err)
	}
	for i := 1; i <= len(dir); i++ {
		if err := ensureDir(env.FS, dir[:i], dirMode); err != nil {
			return failedErr(err)
		}
	}

	st.TrashDir = dir
	for ; st.Attempt < maxTrashAttempts; st.Attempt++ {
		st.Name = trashName(st.Path.Base(), st.Attempt)
		_, err := env.FS.Stat(st.target())
		if fserr.Is(err, fserr.NotFound) {
			break
		}
		if err != nil {
			return failedErr(err)
		}
	}
	if st.Attempt >= maxTrashAttempts {
		return failed(fserr.Conflict, fmt.Sprintf("no free name for %s in %s", st.Path.Base(), dir))
	}

	st.DeletedAt = env.Now().UTC()
	st.Phase = PhaseMove
	mv := NewMove(st.Path, st.target())
	st.Move = &mv
	return outcome{delta: task.Delta{ItemsFound: 1}}
}

func (st *TrashState) move(ctx context.Context, env *task.Env) outcome {
	o := st.Move.advance(ctx, env)
	if o.fail != nil && o.fail.Kind == fserr.Conflict && st.Move.Phase == PhaseRename {
		// Someone took the name since prepare; try the next one.
		st.Attempt++
		if st.Attempt >= maxTrashAttempts {
			return o
		}
		st.Name = trashName(st.Path.Base(), st.Attempt)
		mv := NewMove(st.Path, st.target())
		st.Move = &mv
		return outcome{}
	}
	if o.fail != nil || !o.done {
		return o
	}
	st.Phase = PhaseAnnotate
	st.Move = nil
	o.done = false
	return o
}

// annotate records where the entry came from. Failures only get logged;
// the entry is already in the trash.
func (st *TrashState) annotate(env *task.Env) {
	target := st.target()
	attrs := []struct {
		key   nativefs.XattrKey
		value string
	}{
		{nativefs.KeyTrashOrigin, st.Path.String()},
		{nativefs.KeyTrashDeletedAt, st.DeletedAt.Format(time.RFC3339)},
	}
	for _, a := range attrs {
		if err := env.FS.SetExtendedAttribute(target, a.key, []byte(a.value)); err != nil {
			env.Logger.Warn("could not annotate trashed entry", "task", env.TaskID,
				"path", target.String(), "key", string(a.key), "error", err)
		}
	}
}
