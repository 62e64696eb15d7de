// Package tasks implements the file operations the scheduler runs: folder
// creation, recursive delete, copy, move, and trash. Each keeps its whole
// worklist in the persisted payload so a reclaimed task resumes where the
// last committed step left it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// Registered task tags.
const (
	TagCreateFolder task.Tag = "create_folder"
	TagDelete       task.Tag = "delete"
	TagCopy         task.Tag = "copy"
	TagMove         task.Tag = "move"
	TagTrash        task.Tag = "trash"
)

// DefaultTrashTemplate places each owner's trash under their home.
const DefaultTrashTemplate = "{owner}/.trash"

// Options configures the implementations.
type Options struct {
	// TrashTemplate names the per-owner trash directory; "{owner}" is
	// replaced by the task owner.
	TrashTemplate string
	// DirMode is used for directories created on the owner's behalf, such
	// as the trash directory. Zero means the filesystem default.
	DirMode uint32
}

// Register installs every implementation into reg.
func Register(reg *task.Registry, opts Options) error {
	if opts.TrashTemplate == "" {
		opts.TrashTemplate = DefaultTrashTemplate
	}
	defs := []task.Definition{
		{Tag: TagCreateFolder, Step: createFolderStep, Admit: admitCreateFolder},
		{Tag: TagDelete, Step: deleteStep, Admit: admitDelete},
		{Tag: TagCopy, Step: copyStep, Admit: admitCopy},
		{Tag: TagMove, Step: moveStep, Admit: admitMove},
		{Tag: TagTrash, Step: trashStepFunc(opts), Admit: admitTrash},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// ErrInvalidRequest is wrapped by every admission failure.
var ErrInvalidRequest = errors.New("invalid task request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// outcome is what one advance of a worklist machine produced. A nil fail
// with done unset means more steps remain.
type outcome struct {
	fail  *task.Result
	delta task.Delta
	done  bool
}

func failed(kind fserr.Kind, msg string) outcome {
	r := task.Fail(kind, msg)
	return outcome{fail: &r}
}

func failedErr(err error) outcome {
	return failed(fserr.KindOf(err), err.Error())
}

// finish turns an outcome into the step result, attaching state to failures
// so partial progress survives.
func finish(state any, o outcome) task.Result {
	switch {
	case o.fail != nil:
		if o.fail.Kind.Transient() {
			return *o.fail
		}
		return task.FailWith(state, o.delta, o.fail.Kind, o.fail.Message)
	case o.done:
		return task.Done(o.delta)
	default:
		return task.Continue(state, o.delta)
	}
}

func decodeState(payload []byte, v any) *task.Result {
	if err := task.Decode(payload, v); err != nil {
		r := task.Fail(fserr.Fatal, err.Error())
		return &r
	}
	return nil
}

// relString renders a path relative to a tree root without the leading
// slash, as filter rules expect.
func relString(rel resolver.VirtualPath) string {
	return strings.Join(rel, "/")
}

// join appends rel below base.
func join(base, rel resolver.VirtualPath) resolver.VirtualPath {
	out := make(resolver.VirtualPath, 0, len(base)+len(rel))
	out = append(out, base...)
	return append(out, rel...)
}

func checkCtx(ctx context.Context) *outcome {
	if err := ctx.Err(); err != nil {
		o := failed(fserr.Fatal, err.Error())
		return &o
	}
	return nil
}
