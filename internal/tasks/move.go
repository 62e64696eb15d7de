package tasks

import (
	"context"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// Move phases.
const (
	PhaseRename = "rename"
	PhaseCopy   = "copy"
	PhaseDelete = "delete"
)

// MoveState is the move payload. A new request sets Source and Destination.
//
// A move is a single rename when both ends share a device. Otherwise it
// continues as a copy of the tree followed by a delete of the source, each
// phase carrying its own worklist.
type MoveState struct {
	Source      resolver.VirtualPath `json:"source"`
	Destination resolver.VirtualPath `json:"destination"`
	Phase       string               `json:"phase,omitempty"`
	Copy        *CopyState           `json:"copy,omitempty"`
	Delete      *DeleteState         `json:"delete,omitempty"`
}

// NewMove returns the payload for moving src to dst.
func NewMove(src, dst resolver.VirtualPath) MoveState {
	return MoveState{Source: src, Destination: dst}
}

func (st *MoveState) validate() error {
	if st.Source.IsRoot() {
		return invalid("cannot move the root")
	}
	if st.Destination.IsRoot() {
		return invalid("cannot move onto the root")
	}
	if st.Destination.HasPrefix(st.Source) {
		return invalid("destination %s is inside source %s", st.Destination, st.Source)
	}
	switch st.Phase {
	case "", PhaseRename:
	case PhaseCopy:
		if st.Copy == nil {
			return invalid("copy phase without copy state")
		}
	case PhaseDelete:
		if st.Delete == nil {
			return invalid("delete phase without delete state")
		}
	default:
		return invalid("unknown move phase %q", st.Phase)
	}
	return nil
}

func admitMove(payload []byte) ([]task.Access, error) {
	var st MoveState
	if err := task.Decode(payload, &st); err != nil {
		return nil, err
	}
	if err := st.validate(); err != nil {
		return nil, err
	}
	return []task.Access{
		{Path: st.Source, Right: task.RightDelete},
		{Path: st.Destination, Right: task.RightWrite},
	}, nil
}

func moveStep(ctx context.Context, env *task.Env, payload []byte) task.Result {
	var st MoveState
	if r := decodeState(payload, &st); r != nil {
		return *r
	}
	return finish(&st, st.advance(ctx, env))
}

func (st *MoveState) advance(ctx context.Context, env *task.Env) outcome {
	if o := checkCtx(ctx); o != nil {
		return *o
	}
	switch st.Phase {
	case "", PhaseRename:
		if err := st.validate(); err != nil {
			return failed(fserr.Fatal, err.Error())
		}
		st.Phase = PhaseRename
		return st.rename(env)
	case PhaseCopy:
		o := st.Copy.advance(ctx, env)
		if o.fail != nil || !o.done {
			return o
		}
		env.Logger.Debug("move copied tree, removing source", "task", env.TaskID, "source", st.Source.String())
		st.Phase = PhaseDelete
		st.Copy = nil
		del := NewDelete(st.Source)
		st.Delete = &del
		return outcome{delta: o.delta}
	case PhaseDelete:
		o := st.Delete.advance(ctx, env)
		// Items were counted by the copy; the source removal only finishes it.
		o.delta = task.Delta{}
		return o
	default:
		return failed(fserr.Fatal, "unknown move phase "+st.Phase)
	}
}

func (st *MoveState) rename(env *task.Env) outcome {
	err := env.FS.RenameOrMove(st.Source, st.Destination)
	switch {
	case err == nil:
		return outcome{done: true, delta: task.Delta{Items: 1, ItemsFound: 1}}
	case fserr.Is(err, fserr.CrossDevice):
		env.Logger.Info("move crosses devices, copying", "task", env.TaskID,
			"source", st.Source.String(), "destination", st.Destination.String())
		st.Phase = PhaseCopy
		st.Copy = &CopyState{
			Source:      st.Source,
			Destination: st.Destination,
			Conflict:    ConflictFail,
			Symlinks:    SymlinksCopy,
		}
		return outcome{}
	case fserr.Is(err, fserr.NotFound) && env.Recovering && st.renamed(env):
		// The rename landed before the previous holder could commit.
		return outcome{done: true, delta: task.Delta{Items: 1, ItemsFound: 1}}
	default:
		return failedErr(err)
	}
}

// renamed reports whether the source is gone and the destination exists.
func (st *MoveState) renamed(env *task.Env) bool {
	if _, err := env.FS.Stat(st.Source); !fserr.Is(err, fserr.NotFound) {
		return false
	}
	_, err := env.FS.Stat(st.Destination)
	return err == nil
}
