package nativefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/resolver"
)

const (
	copyChunkSize = 1 << 20 // 1 MiB
	tmpSuffix     = ".drivefs-tmp"
	maxTmpBase    = 200
)

// CopyResult summarizes one CopySingleEntry call.
type CopyResult struct {
	Bytes  int64
	Type   platform.FileType
	Method platform.CopyMethod
}

// ProgressFunc receives the number of bytes written by each copied chunk.
type ProgressFunc func(bytes int64)

func tmpNameFor(leaf string) string {
	base := leaf
	if len(base) > maxTmpBase {
		base = base[:maxTmpBase]
	}
	return fmt.Sprintf(".%s.%s%s", base, uuid.New().String()[:8], tmpSuffix)
}

// CopySingleEntry duplicates one entry. A regular file gets its bytes, mode,
// times, and extended attributes written to a temporary sibling of dst which
// is then renamed into place, so dst never holds a partial file. A directory
// copy creates the target directory only. A symlink is recreated with the same
// target and never dereferenced. Without overwrite an existing dst is a
// Conflict.
func (fs *FS) CopySingleEntry(ctx context.Context, src, dst resolver.VirtualPath, overwrite bool, progress ProgressFunc) (CopyResult, error) {
	sp, sleaf, err := fs.res.OpenParent(src)
	if err != nil {
		return CopyResult{}, err
	}
	defer sp.Close()

	st, err := fs.sys.FstatAt(sp.Fd(), sleaf)
	if err != nil {
		return CopyResult{}, wrap("copy", src, err)
	}

	dp, dleaf, err := fs.res.OpenParent(dst)
	if err != nil {
		return CopyResult{}, err
	}
	defer dp.Close()

	switch st.Type {
	case platform.Dir:
		return CopyResult{Type: platform.Dir}, fs.copyDir(sp.Fd(), sleaf, dp.Fd(), dleaf, st, overwrite, dst)
	case platform.Symlink:
		return CopyResult{Type: platform.Symlink}, fs.copySymlink(sp.Fd(), sleaf, dp.Fd(), dleaf, overwrite, src, dst)
	case platform.Regular:
		return fs.copyFile(ctx, sp.Fd(), sleaf, dp.Fd(), dleaf, overwrite, progress, src, dst)
	default:
		return CopyResult{}, fserr.New(fserr.Fatal, "copy", src.String(), fmt.Errorf("unsupported file type %s", st.Type))
	}
}

func (fs *FS) copyDir(sdir int, sleaf string, ddir int, dleaf string, st platform.Stat, overwrite bool, dst resolver.VirtualPath) error {
	// The owner keeps write and search access so children can be copied in.
	mode := st.Mode | 0o300
	err := fs.sys.MkdirAt(ddir, dleaf, mode)
	if errors.Is(err, unix.EEXIST) {
		existing, serr := fs.sys.FstatAt(ddir, dleaf)
		if !overwrite || serr != nil || existing.Type != platform.Dir {
			return fserr.New(fserr.Conflict, "copy", dst.String(), err)
		}
		// Merging into an existing directory keeps its own metadata.
		return nil
	}
	if err != nil {
		return wrap("copy", dst, err)
	}

	srcFd, err := fs.sys.OpenAt(sdir, sleaf, platform.ORead|platform.ODirectory, 0)
	if err != nil {
		// The directory exists; its metadata is best effort.
		return nil
	}
	defer fs.sys.Close(srcFd)
	dstFd, err := fs.sys.OpenAt(ddir, dleaf, platform.ORead|platform.ODirectory, 0)
	if err != nil {
		return wrap("copy", dst, err)
	}
	defer fs.sys.Close(dstFd)

	fs.copyXattrs(srcFd, dstFd)
	if err := fs.sys.Fchmod(dstFd, mode); err != nil {
		return wrap("chmod", dst, err)
	}
	if fs.opts.PreserveOwner {
		_ = fs.sys.Fchown(dstFd, int(st.UID), int(st.GID))
	}
	return nil
}

func (fs *FS) copySymlink(sdir int, sleaf string, ddir int, dleaf string, overwrite bool, src, dst resolver.VirtualPath) error {
	target, err := fs.sys.ReadlinkAt(sdir, sleaf)
	if err != nil {
		return wrap("readlink", src, err)
	}
	if !overwrite {
		err := fs.sys.SymlinkAt(target, ddir, dleaf)
		if errors.Is(err, unix.EEXIST) {
			return fserr.New(fserr.Conflict, "copy", dst.String(), err)
		}
		return wrap("symlink", dst, err)
	}

	tmp := tmpNameFor(dleaf)
	if err := fs.sys.SymlinkAt(target, ddir, tmp); err != nil {
		return wrap("symlink", dst, err)
	}
	if err := fs.sys.RenameAt(ddir, tmp, ddir, dleaf, false); err != nil {
		_ = fs.sys.UnlinkAt(ddir, tmp, false)
		return renameErr(dst, err)
	}
	return nil
}

func renameErr(dst resolver.VirtualPath, err error) error {
	// Replacing a directory with a file (or the reverse) is a conflict
	// rather than an I/O failure.
	if errors.Is(err, unix.EISDIR) || errors.Is(err, unix.ENOTDIR) || errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST) {
		return fserr.New(fserr.Conflict, "copy", dst.String(), err)
	}
	return wrap("rename", dst, err)
}

func (fs *FS) copyFile(
	ctx context.Context,
	sdir int, sleaf string,
	ddir int, dleaf string,
	overwrite bool,
	progress ProgressFunc,
	src, dst resolver.VirtualPath,
) (CopyResult, error) {
	result := CopyResult{Type: platform.Regular}

	srcFd, err := fs.sys.OpenAt(sdir, sleaf, platform.ORead, 0)
	if err != nil {
		return result, wrap("open", src, err)
	}
	defer fs.sys.Close(srcFd)

	st, err := fs.sys.Fstat(srcFd)
	if err != nil {
		return result, wrap("stat", src, err)
	}
	if st.Type != platform.Regular {
		return result, fserr.New(fserr.Fatal, "copy", src.String(), errors.New("source changed type"))
	}

	if !overwrite {
		if _, err := fs.sys.FstatAt(ddir, dleaf); err == nil {
			return result, fserr.New(fserr.Conflict, "copy", dst.String(), unix.EEXIST)
		}
	}

	tmp := tmpNameFor(dleaf)
	tmpVP := dst.Parent().Child(tmp)
	fs.tmp.register(tmpVP)
	renamed := false
	defer func() {
		fs.tmp.deregister(tmpVP)
		if !renamed {
			_ = fs.sys.UnlinkAt(ddir, tmp, false)
		}
	}()

	tmpFd, err := fs.sys.OpenAt(ddir, tmp, platform.OWrite|platform.OCreate|platform.OExcl, 0o600)
	if err != nil {
		return result, wrap("create", dst, err)
	}
	closed := false
	defer func() {
		if !closed {
			fs.sys.Close(tmpFd)
		}
	}()

	if st.Size > 0 {
		n, method, err := fs.copyData(ctx, srcFd, tmpFd, st.Size, progress)
		result.Bytes = n
		result.Method = method
		if err != nil {
			return result, wrap("copy", src, err)
		}
	}

	if err := fs.setFileMetadata(srcFd, tmpFd, st); err != nil {
		return result, wrap("copy", dst, err)
	}
	if fs.opts.Fsync {
		if err := fs.sys.Fsync(tmpFd); err != nil {
			return result, wrap("fsync", dst, err)
		}
	}
	closed = true
	if err := fs.sys.Close(tmpFd); err != nil {
		return result, wrap("close", dst, err)
	}

	if err := fs.sys.RenameAt(ddir, tmp, ddir, dleaf, !overwrite); err != nil {
		return result, renameErr(dst, err)
	}
	renamed = true
	return result, nil
}

// copyData copies the data segments of src into dst. Holes are recreated by
// sizing dst first and skipping them.
func (fs *FS) copyData(ctx context.Context, srcFd, dstFd int, size int64, progress ProgressFunc) (int64, platform.CopyMethod, error) {
	segments, err := fs.sys.DataSegments(srcFd, size)
	if err != nil {
		segments = []platform.Segment{{Offset: 0, Length: size, IsData: true}}
	}
	if len(segments) != 1 || !segments[0].IsData {
		if err := fs.sys.Ftruncate(dstFd, size); err != nil {
			return 0, platform.ReadWrite, fmt.Errorf("truncate for sparse: %w", err)
		}
	}

	chunk := int64(copyChunkSize)
	if fs.opts.Limiter != nil && int64(fs.opts.Limiter.Burst()) < chunk {
		chunk = int64(fs.opts.Limiter.Burst())
	}

	var (
		total  int64
		method platform.CopyMethod
	)
	for _, seg := range segments {
		if !seg.IsData {
			continue
		}
		off, end := seg.Offset, seg.Offset+seg.Length
		for off < end {
			if err := ctx.Err(); err != nil {
				return total, method, err
			}
			n := min(chunk, end-off)
			if fs.opts.Limiter != nil {
				if err := fs.opts.Limiter.WaitN(ctx, int(n)); err != nil {
					return total, method, err
				}
			}
			res, err := fs.sys.CopyRange(srcFd, dstFd, off, n)
			total += res.BytesWritten
			method = res.Method
			if res.BytesWritten > 0 && progress != nil {
				progress(res.BytesWritten)
			}
			if err != nil {
				return total, method, err
			}
			if res.BytesWritten == 0 {
				// Source shrank underneath us.
				return total, method, nil
			}
			off += res.BytesWritten
		}
	}
	return total, method, nil
}

// setFileMetadata applies mode, times, xattrs, and, when configured, owner.
// Ownership goes last as it may fail without CAP_CHOWN.
func (fs *FS) setFileMetadata(srcFd, dstFd int, st platform.Stat) error {
	fs.copyXattrs(srcFd, dstFd)
	if err := fs.sys.Fchmod(dstFd, st.Mode); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	if err := fs.sys.Futimes(dstFd, st.Atime, st.Mtime); err != nil {
		return err
	}
	if fs.opts.PreserveOwner {
		_ = fs.sys.Fchown(dstFd, int(st.UID), int(st.GID))
	}
	return nil
}

// copyXattrs copies every attribute the source exposes. Attributes the
// destination refuses are skipped.
func (fs *FS) copyXattrs(srcFd, dstFd int) {
	names, err := fs.sys.Flistxattr(srcFd)
	if err != nil {
		return
	}
	for _, name := range names {
		val, err := fs.sys.Fgetxattr(srcFd, name)
		if err != nil {
			continue
		}
		_ = fs.sys.Fsetxattr(dstFd, name, val)
	}
}
