package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// DeleteItem is one worklist entry. An expanded directory already had its
// children pushed above it. Rescanned marks a directory listed a second
// time after entries appeared in it during the walk.
type DeleteItem struct {
	Path      resolver.VirtualPath `json:"path"`
	Kind      string               `json:"kind,omitempty"`
	Expanded  bool                 `json:"expanded,omitempty"`
	Rescanned bool                 `json:"rescanned,omitempty"`
}

// DeleteState is the delete payload. A new request only sets Path.
//
// Stack is processed from the end, which yields a post-order walk: a
// directory is removed only after everything pushed above it. Entries that
// cannot be removed are moved to Blocked and the walk continues; when the
// stack drains with anything blocked, the blocked entries become the stack
// of the failed task so a resubmission retries exactly those.
type DeleteState struct {
	Path    resolver.VirtualPath `json:"path"`
	Stack   []DeleteItem         `json:"stack,omitempty"`
	Blocked []DeleteItem         `json:"blocked,omitempty"`
	Started bool                 `json:"started,omitempty"`
}

// NewDelete returns the payload for deleting path recursively.
func NewDelete(path resolver.VirtualPath) DeleteState {
	return DeleteState{Path: path}
}

func admitDelete(payload []byte) ([]task.Access, error) {
	var st DeleteState
	if err := task.Decode(payload, &st); err != nil {
		return nil, err
	}
	if st.Path.IsRoot() {
		return nil, invalid("refusing to delete the root")
	}
	access := []task.Access{{Path: st.Path, Right: task.RightDelete}}
	for _, it := range st.Stack {
		if !it.Path.HasPrefix(st.Path) {
			return nil, invalid("worklist entry %s is outside %s", it.Path, st.Path)
		}
	}
	return access, nil
}

func deleteStep(ctx context.Context, env *task.Env, payload []byte) task.Result {
	var st DeleteState
	if r := decodeState(payload, &st); r != nil {
		return *r
	}
	return finish(&st, st.advance(ctx, env))
}

// blocked reports whether err means the entry must be set aside rather
// than failing the task.
func deleteBlocked(err error) bool {
	return fserr.Is(err, fserr.PermissionDenied) || fserr.Is(err, fserr.NotEmpty)
}

func (st *DeleteState) advance(ctx context.Context, env *task.Env) outcome {
	var found int64
	if !st.Started {
		st.Started = true
		st.Stack = []DeleteItem{{Path: st.Path}}
		found = 1
	}
	if o := checkCtx(ctx); o != nil {
		return *o
	}
	if len(st.Stack) == 0 {
		return st.drained(found)
	}

	top := &st.Stack[len(st.Stack)-1]
	if !top.Expanded {
		attrs, err := env.FS.Stat(top.Path)
		switch {
		case fserr.Is(err, fserr.NotFound):
			st.pop()
			return outcome{delta: task.Delta{ItemsFound: found}}
		case err != nil:
			return failedErr(err)
		}
		if attrs.IsDir() {
			return st.expand(env.FS, found)
		}
	}

	item := *top
	err := env.FS.DeleteEntry(item.Path)
	switch {
	case err == nil:
		st.pop()
		return outcome{delta: task.Delta{Items: 1, ItemsFound: found}}
	case fserr.Is(err, fserr.NotFound):
		st.pop()
		return outcome{delta: task.Delta{ItemsFound: found}}
	case fserr.Is(err, fserr.NotADirectory), fserr.Is(err, fserr.AlreadyExists):
		// Replaced by another type since expansion; look again.
		top.Expanded = false
		return outcome{delta: task.Delta{ItemsFound: found}}
	case fserr.Is(err, fserr.NotEmpty) && !item.Rescanned && !st.blockedUnder(item.Path):
		// Entries were created after the listing; list it again.
		top.Expanded = false
		top.Rescanned = true
		return outcome{delta: task.Delta{ItemsFound: found}}
	case deleteBlocked(err):
		st.setAside(item, err)
		env.Logger.Debug("delete set aside", "task", env.TaskID, "path", item.Path.String(), "error", err)
		return outcome{delta: task.Delta{ItemsFound: found}}
	default:
		return failedErr(err)
	}
}

// expand pushes the children of the directory on top of the stack.
func (st *DeleteState) expand(fs *nativefs.FS, found int64) outcome {
	top := &st.Stack[len(st.Stack)-1]
	names, err := fs.Names(top.Path)
	switch {
	case fserr.Is(err, fserr.NotFound):
		st.pop()
		return outcome{delta: task.Delta{ItemsFound: found}}
	case fserr.Is(err, fserr.NotADirectory):
		// Swapped for a file; delete it as one on the next step.
		top.Expanded = true
		return outcome{delta: task.Delta{ItemsFound: found}}
	case deleteBlocked(err):
		st.setAside(*top, err)
		return outcome{delta: task.Delta{ItemsFound: found}}
	case err != nil:
		return failedErr(err)
	}

	top.Expanded = true
	parent := top.Path
	// Reverse order so the first name is popped first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		st.Stack = append(st.Stack, DeleteItem{Path: parent.Child(name)})
	}
	return outcome{delta: task.Delta{ItemsFound: found + int64(len(names))}}
}

func (st *DeleteState) pop() {
	st.Stack = st.Stack[:len(st.Stack)-1]
}

// setAside moves the top item to Blocked. A non-empty directory with no
// blocked entries beneath it holds entries the walk never saw, so it is
// listed afresh when the worklist is retried.
func (st *DeleteState) setAside(item DeleteItem, err error) {
	st.pop()
	item.Kind = fserr.KindOf(err).String()
	if fserr.Is(err, fserr.NotEmpty) && !st.blockedUnder(item.Path) {
		item.Expanded = false
	}
	item.Rescanned = false
	st.Blocked = append(st.Blocked, item)
}

// blockedUnder reports whether an entry strictly beneath dir was set aside.
func (st *DeleteState) blockedUnder(dir resolver.VirtualPath) bool {
	for _, it := range st.Blocked {
		if len(it.Path) > len(dir) && it.Path.HasPrefix(dir) {
			return true
		}
	}
	return false
}

// drained finishes the walk. Blocked entries were collected children
// first, so reversing them restores a valid post-order stack.
func (st *DeleteState) drained(found int64) outcome {
	if len(st.Blocked) == 0 {
		return outcome{done: true, delta: task.Delta{ItemsFound: found}}
	}
	kind := fserr.NotEmpty
	stack := make([]DeleteItem, 0, len(st.Blocked))
	for i := len(st.Blocked) - 1; i >= 0; i-- {
		it := st.Blocked[i]
		if it.Kind == fserr.PermissionDenied.String() {
			kind = fserr.PermissionDenied
		}
		stack = append(stack, it)
	}
	n := len(st.Blocked)
	st.Stack = stack
	st.Blocked = nil
	o := failed(kind, fmt.Sprintf("%d entries could not be deleted", n))
	o.delta = task.Delta{ItemsFound: found}
	return o
}
