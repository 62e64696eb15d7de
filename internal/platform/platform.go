// Package platform is the narrow native syscall interface the rest of drivefs
// is built on. Every operation except OpenRoot is relative to an already-open
// directory descriptor and takes at most a single path component; there is no
// path-string logic here.
package platform

import (
	"time"
)

// FileType identifies the kind of filesystem entry.
type FileType int

const (
	Regular FileType = iota
	Dir
	Symlink
	Other
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Dir:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return "other"
	}
}

// Stat is the subset of statx(2) drivefs relies on. Btime is zero when the
// filesystem does not report a birth time.
type Stat struct {
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
	Btime time.Time
	Size  int64
	Dev   uint64
	Ino   uint64
	Nlink uint64
	Mode  uint32 // permission bits including setuid/setgid/sticky
	UID   uint32
	GID   uint32
	Type  FileType
}

// OpenFlag selects the access mode and creation behavior of OpenAt.
// Implementations always add no-follow and close-on-exec semantics.
type OpenFlag int

const (
	ORead OpenFlag = 1 << iota
	OWrite
	OCreate
	OExcl
	OTrunc
	ODirectory
	OPath // reference-only descriptor, usable as a dirfd and for fstat
)

// Segment describes a contiguous region of a file.
type Segment struct {
	Offset int64
	Length int64
	IsData bool
}

// Syscalls is the fd-relative primitive set. Implementations return raw
// errno values (syscall.Errno) so callers can classify them.
type Syscalls interface {
	// OpenRoot opens the pinned root directory. It is the only call that
	// accepts a full path and is used once at service start.
	OpenRoot(path string) (int, error)

	// OpenAt opens a single component relative to dirfd and refuses to
	// follow a symlink at any point.
	OpenAt(dirfd int, name string, flags OpenFlag, mode uint32) (int, error)
	Close(fd int) error

	Fstat(fd int) (Stat, error)
	// FstatAt stats name relative to dirfd without following a symlink.
	FstatAt(dirfd int, name string) (Stat, error)

	// ReadDirNames returns the next batch of entry names from a directory
	// opened for reading, excluding "." and "..". The cursor is kept with the
	// descriptor; io.EOF marks the end.
	ReadDirNames(fd int) ([]string, error)

	MkdirAt(dirfd int, name string, mode uint32) error
	SymlinkAt(target string, dirfd int, name string) error
	ReadlinkAt(dirfd int, name string) (string, error)
	// UnlinkAt removes a file, or an empty directory when dir is true.
	UnlinkAt(dirfd int, name string, dir bool) error
	// RenameAt renames atomically. With noReplace an existing target fails
	// with EEXIST instead of being replaced.
	RenameAt(olddirfd int, oldname string, newdirfd int, newname string, noReplace bool) error

	Pread(fd int, p []byte, off int64) (int, error)
	Pwrite(fd int, p []byte, off int64) (int, error)
	Ftruncate(fd int, size int64) error
	// CopyRange copies length bytes at off from src to the same offset in
	// dst, using the fastest strategy the kernel supports.
	CopyRange(src, dst int, off, length int64) (CopyResult, error)
	// DataSegments maps the data and hole layout of a file.
	DataSegments(fd int, size int64) ([]Segment, error)

	Fgetxattr(fd int, key string) ([]byte, error)
	Fsetxattr(fd int, key string, value []byte) error
	Fremovexattr(fd int, key string) error
	Flistxattr(fd int) ([]string, error)

	Fchown(fd int, uid, gid int) error
	Fchmod(fd int, mode uint32) error
	Futimes(fd int, atime, mtime time.Time) error
	Fsync(fd int) error

	// FdPath returns the absolute real path the kernel associates with fd.
	FdPath(fd int) (string, error)
}

// CopyMethod names the kernel path that moved a range of bytes.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota
	CopyFileRange            // Linux copy_file_range(2)
	Sendfile                 // Linux sendfile(2)
	InMemory                 // memfs test double
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case CopyFileRange:
		return "copy_file_range"
	case Sendfile:
		return "sendfile"
	case InMemory:
		return "in_memory"
	default:
		return "unknown"
	}
}

// CopyResult is what a CopyRange call moved and how.
type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// ParseXattrNames splits a NUL-separated listxattr(2) buffer.
func ParseXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
