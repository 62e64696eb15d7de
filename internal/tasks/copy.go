package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/bamsammich/drivefs/internal/filter"
	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// ConflictPolicy says what a copy does when the destination entry exists.
type ConflictPolicy string

const (
	ConflictFail      ConflictPolicy = "fail"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
)

// SymlinkPolicy says whether symlinks are recreated or left out.
type SymlinkPolicy string

const (
	SymlinksSkip SymlinkPolicy = "skip"
	SymlinksCopy SymlinkPolicy = "copy"
)

// CopyItem is one pending entry, relative to the copy roots.
type CopyItem struct {
	Rel      resolver.VirtualPath `json:"rel"`
	Expanded bool                 `json:"expanded,omitempty"`
}

// CopyState is the copy payload. A new request sets the fields above
// Started.
//
// Stack is processed from the end in pre-order: a directory is created, then
// its children are pushed, so every directory exists before anything is
// copied into it.
type CopyState struct {
	Source      resolver.VirtualPath `json:"source"`
	Destination resolver.VirtualPath `json:"destination"`
	Conflict    ConflictPolicy       `json:"conflict,omitempty"`
	Symlinks    SymlinkPolicy        `json:"symlinks,omitempty"`
	Rules       []string             `json:"rules,omitempty"`
	MinSize     int64                `json:"min_size,omitempty"`
	MaxSize     int64                `json:"max_size,omitempty"`
	Verify      bool                 `json:"verify,omitempty"`

	Started bool       `json:"started,omitempty"`
	Stack   []CopyItem `json:"stack,omitempty"`
	Skipped int64      `json:"skipped,omitempty"`

	chain *filter.Chain
}

func (st *CopyState) validate() error {
	switch st.Conflict {
	case "", ConflictFail, ConflictOverwrite, ConflictSkip:
	default:
		return invalid("unknown conflict policy %q", st.Conflict)
	}
	switch st.Symlinks {
	case "", SymlinksSkip, SymlinksCopy:
	default:
		return invalid("unknown symlink policy %q", st.Symlinks)
	}
	if st.Source.IsRoot() {
		return invalid("cannot copy the root")
	}
	if st.Destination.IsRoot() {
		return invalid("cannot copy onto the root")
	}
	if st.Destination.HasPrefix(st.Source) {
		return invalid("destination %s is inside source %s", st.Destination, st.Source)
	}
	if _, err := st.filter(); err != nil {
		return invalid("exclude rules: %v", err)
	}
	return nil
}

func (st *CopyState) filter() (*filter.Chain, error) {
	if st.chain != nil {
		return st.chain, nil
	}
	c, err := filter.Compile(st.Rules)
	if err != nil {
		return nil, err
	}
	c.SetMinSize(st.MinSize)
	c.SetMaxSize(st.MaxSize)
	st.chain = c
	return c, nil
}

func admitCopy(payload []byte) ([]task.Access, error) {
	var st CopyState
	if err := task.Decode(payload, &st); err != nil {
		return nil, err
	}
	if err := st.validate(); err != nil {
		return nil, err
	}
	return []task.Access{
		{Path: st.Source, Right: task.RightRead},
		{Path: st.Destination, Right: task.RightWrite},
	}, nil
}

func copyStep(ctx context.Context, env *task.Env, payload []byte) task.Result {
	var st CopyState
	if r := decodeState(payload, &st); r != nil {
		return *r
	}
	return finish(&st, st.advance(ctx, env))
}

func (st *CopyState) advance(ctx context.Context, env *task.Env) outcome {
	var found int64
	if !st.Started {
		if err := st.validate(); err != nil {
			return failed(fserr.Fatal, err.Error())
		}
		st.Started = true
		st.Stack = []CopyItem{{Rel: resolver.VirtualPath{}}}
		found = 1
	}
	if o := checkCtx(ctx); o != nil {
		return *o
	}
	if len(st.Stack) == 0 {
		return outcome{done: true, delta: task.Delta{ItemsFound: found}}
	}

	top := &st.Stack[len(st.Stack)-1]
	src := join(st.Source, top.Rel)
	dst := join(st.Destination, top.Rel)

	if top.Expanded {
		// Created on an earlier step whose listing was not committed.
		return st.expand(env.FS, src, found)
	}

	attrs, err := env.FS.Stat(src)
	switch {
	case fserr.Is(err, fserr.NotFound) && !top.Rel.IsRoot():
		// Removed from the source since it was listed.
		st.pop()
		st.Skipped++
		return outcome{delta: task.Delta{ItemsFound: found}}
	case err != nil:
		return failedErr(err)
	}

	if !top.Rel.IsRoot() && !st.keep(top.Rel, attrs) {
		st.pop()
		st.Skipped++
		return outcome{delta: task.Delta{ItemsFound: found}}
	}

	switch attrs.Type {
	case platform.Dir:
		return st.copyDir(ctx, env, src, dst, found)
	case platform.Regular:
		return st.copyFile(ctx, env, src, dst, attrs, found)
	case platform.Symlink:
		if st.Symlinks != SymlinksCopy {
			st.pop()
			st.Skipped++
			return outcome{delta: task.Delta{ItemsFound: found}}
		}
		return st.copyEntry(ctx, env, src, dst, attrs, found)
	default:
		env.Logger.Debug("copy skipping special file", "task", env.TaskID, "path", src.String(), "type", attrs.Type.String())
		st.pop()
		st.Skipped++
		return outcome{delta: task.Delta{ItemsFound: found}}
	}
}

func (st *CopyState) keep(rel resolver.VirtualPath, attrs nativefs.Attributes) bool {
	if nativefs.IsTempName(rel.Base()) {
		return false
	}
	c, err := st.filter()
	if err != nil {
		return true
	}
	return c.Match(relString(rel), attrs.IsDir(), attrs.Size)
}

func (st *CopyState) pop() {
	st.Stack = st.Stack[:len(st.Stack)-1]
}

func (st *CopyState) overwrite() bool {
	return st.Conflict == ConflictOverwrite
}

func (st *CopyState) copyDir(ctx context.Context, env *task.Env, src, dst resolver.VirtualPath, found int64) outcome {
	// Merging into an existing directory is allowed unless conflicts fail.
	merge := st.Conflict == ConflictOverwrite || st.Conflict == ConflictSkip
	_, err := env.FS.CopySingleEntry(ctx, src, dst, merge, nil)
	if fserr.Is(err, fserr.Conflict) && !merge && env.Recovering {
		if attrs, serr := env.FS.Stat(dst); serr == nil && attrs.IsDir() {
			err = nil
		}
	}
	if err != nil {
		return failedErr(err)
	}
	st.Stack[len(st.Stack)-1].Expanded = true
	o := st.expand(env.FS, src, found)
	o.delta.Items++
	return o
}

// expand replaces the expanded directory on top of the stack with its
// children.
func (st *CopyState) expand(fs *nativefs.FS, src resolver.VirtualPath, found int64) outcome {
	names, err := fs.Names(src)
	if err != nil {
		return failedErr(err)
	}
	rel := st.Stack[len(st.Stack)-1].Rel
	st.pop()
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		st.Stack = append(st.Stack, CopyItem{Rel: rel.Child(name)})
	}
	return outcome{delta: task.Delta{ItemsFound: found + int64(len(names))}}
}

func (st *CopyState) copyFile(ctx context.Context, env *task.Env, src, dst resolver.VirtualPath, attrs nativefs.Attributes, found int64) outcome {
	rel := st.Stack[len(st.Stack)-1].Rel
	o := st.copyEntry(ctx, env, src, dst, attrs, found)
	if o.fail != nil || !st.Verify || o.delta.Items == 0 {
		return o
	}
	if err := verifyCopy(ctx, env.FS, src, dst); err != nil {
		// Remove the copy that failed verification.
		if derr := env.FS.DeleteEntry(dst); derr != nil && !fserr.Is(derr, fserr.NotFound) {
			env.Logger.Warn("could not remove unverified copy", "task", env.TaskID, "path", dst.String(), "error", derr)
		}
		// Leave the entry on the stack so a resubmission copies it again.
		st.Stack = append(st.Stack, CopyItem{Rel: rel})
		return failedErr(err)
	}
	return o
}

// copyEntry copies one file or symlink and pops it.
func (st *CopyState) copyEntry(ctx context.Context, env *task.Env, src, dst resolver.VirtualPath, attrs nativefs.Attributes, found int64) outcome {
	res, err := env.FS.CopySingleEntry(ctx, src, dst, st.overwrite(), env.Progress)
	if fserr.Is(err, fserr.Conflict) {
		switch {
		case st.Conflict == ConflictSkip:
			st.pop()
			st.Skipped++
			return outcome{delta: task.Delta{ItemsFound: found}}
		case env.Recovering && sameEntry(env.FS, dst, attrs):
			// Our own copy from the step that was not committed.
			st.pop()
			return outcome{delta: task.Delta{Items: 1, Bytes: attrs.Size, ItemsFound: found}}
		}
	}
	if err != nil {
		return failedErr(err)
	}
	st.pop()
	return outcome{delta: task.Delta{Items: 1, Bytes: res.Bytes, ItemsFound: found}}
}

func sameEntry(fs *nativefs.FS, dst resolver.VirtualPath, src nativefs.Attributes) bool {
	got, err := fs.Stat(dst)
	if err != nil {
		return false
	}
	return got.Type == src.Type && got.Size == src.Size
}

func verifyCopy(ctx context.Context, fs *nativefs.FS, src, dst resolver.VirtualPath) error {
	want, err := fs.Hash(ctx, src)
	if err != nil {
		return err
	}
	got, err := fs.Hash(ctx, dst)
	if err != nil {
		return err
	}
	if want != got {
		return fserr.New(fserr.Fatal, "verify", dst.String(), fmt.Errorf("checksum mismatch: source %s, copy %s", want[:16], got[:16]))
	}
	return nil
}
