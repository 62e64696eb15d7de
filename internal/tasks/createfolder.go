package tasks

import (
	"context"
	"fmt"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// CreateFolderRequest is the create_folder payload.
type CreateFolderRequest struct {
	UID     *int                 `json:"uid,omitempty"`
	GID     *int                 `json:"gid,omitempty"`
	Path    resolver.VirtualPath `json:"path"`
	Mode    uint32               `json:"mode,omitempty"`
	Parents bool                 `json:"parents,omitempty"`
}

func admitCreateFolder(payload []byte) ([]task.Access, error) {
	var req CreateFolderRequest
	if err := task.Decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Path.IsRoot() {
		return nil, invalid("cannot create the root")
	}
	return []task.Access{{Path: req.Path, Right: task.RightWrite}}, nil
}

func createFolderStep(_ context.Context, env *task.Env, payload []byte) task.Result {
	var req CreateFolderRequest
	if r := decodeState(payload, &req); r != nil {
		return *r
	}

	if req.Parents {
		for i := 1; i < len(req.Path); i++ {
			if err := ensureDir(env.FS, req.Path[:i], 0); err != nil {
				return task.FailErr(err)
			}
		}
	}

	err := env.FS.CreateDirectory(req.Path, req.Mode)
	if fserr.Is(err, fserr.AlreadyExists) {
		err = acceptExisting(env.FS, req)
	}
	if err != nil {
		return task.FailErr(err)
	}

	if req.UID != nil || req.GID != nil {
		uid, gid := -1, -1
		if req.UID != nil {
			uid = *req.UID
		}
		if req.GID != nil {
			gid = *req.GID
		}
		if err := env.FS.ChownAndChmod(req.Path, uid, gid, nativefs.KeepMode); err != nil {
			return task.FailErr(err)
		}
	}
	return task.Done(task.Delta{Items: 1, ItemsFound: 1})
}

// acceptExisting decides whether a directory already at the target is the
// result of an earlier attempt: it must be an empty directory and, when a
// uid was requested, owned by it.
func acceptExisting(fs *nativefs.FS, req CreateFolderRequest) error {
	conflict := fserr.New(fserr.AlreadyExists, "mkdir", req.Path.String(), nil)
	attrs, err := fs.Stat(req.Path)
	if err != nil {
		return err
	}
	if !attrs.IsDir() {
		return conflict
	}
	if req.UID != nil && int64(attrs.UID) != int64(*req.UID) {
		return conflict
	}
	names, err := fs.Names(req.Path)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return conflict
	}
	return nil
}

// ensureDir creates dir when missing and accepts an existing directory.
func ensureDir(fs *nativefs.FS, dir resolver.VirtualPath, mode uint32) error {
	err := fs.CreateDirectory(dir, mode)
	if !fserr.Is(err, fserr.AlreadyExists) {
		return err
	}
	attrs, serr := fs.Stat(dir)
	if serr != nil {
		return serr
	}
	if !attrs.IsDir() {
		return fserr.New(fserr.NotADirectory, "mkdir", dir.String(), fmt.Errorf("%s exists and is not a directory", dir))
	}
	return nil
}
