//go:build linux

package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const direntBufSize = 32 << 10

const resolveFlags = unix.RESOLVE_BENEATH | unix.RESOLVE_NO_SYMLINKS | unix.RESOLVE_NO_MAGICLINKS

// linuxSyscalls implements Syscalls on top of golang.org/x/sys/unix.
type linuxSyscalls struct {
	// noOpenat2 is set after the kernel reports ENOSYS for openat2.
	noOpenat2 atomic.Bool
}

// Native returns the Linux implementation of Syscalls.
func Native() Syscalls {
	return &linuxSyscalls{}
}

func (s *linuxSyscalls) OpenRoot(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

func openFlags(flags OpenFlag) int {
	f := unix.O_CLOEXEC | unix.O_NOFOLLOW
	switch {
	case flags&OPath != 0:
		f |= unix.O_PATH
	case flags&ORead != 0 && flags&OWrite != 0:
		f |= unix.O_RDWR
	case flags&OWrite != 0:
		f |= unix.O_WRONLY
	default:
		f |= unix.O_RDONLY
	}
	if flags&OCreate != 0 {
		f |= unix.O_CREAT
	}
	if flags&OExcl != 0 {
		f |= unix.O_EXCL
	}
	if flags&OTrunc != 0 {
		f |= unix.O_TRUNC
	}
	if flags&ODirectory != 0 {
		f |= unix.O_DIRECTORY
	}
	return f
}

func (s *linuxSyscalls) OpenAt(dirfd int, name string, flags OpenFlag, mode uint32) (int, error) {
	f := openFlags(flags)
	if !s.noOpenat2.Load() {
		how := unix.OpenHow{Flags: uint64(f), Resolve: resolveFlags} //nolint:gosec // G115: flag bits are non-negative
		if flags&OCreate != 0 {
			how.Mode = uint64(mode)
		}
		for {
			fd, err := unix.Openat2(dirfd, name, &how)
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			if err == nil {
				return refuseSymlink(fd, flags)
			}
			if err != unix.ENOSYS {
				return -1, err
			}
			s.noOpenat2.Store(true)
			break
		}
	}
	return s.openatFallback(dirfd, name, flags, f, mode)
}

// openatFallback is used on kernels without openat2. O_NOFOLLOW only guards
// the final component, which is all we ever pass.
func (s *linuxSyscalls) openatFallback(dirfd int, name string, flags OpenFlag, f int, mode uint32) (int, error) {
	var (
		fd  int
		err error
	)
	for {
		fd, err = unix.Openat(dirfd, name, f, mode)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return -1, err
	}
	return refuseSymlink(fd, flags)
}

// refuseSymlink closes fd and reports ELOOP when an O_PATH open landed on a
// symlink. O_PATH|O_NOFOLLOW hands back the link itself instead of failing,
// under openat2's RESOLVE_NO_SYMLINKS as well as plain openat.
func refuseSymlink(fd int, flags OpenFlag) (int, error) {
	if flags&OPath == 0 {
		return fd, nil
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		unix.Close(fd)
		return -1, unix.ELOOP
	}
	return fd, nil
}

func (s *linuxSyscalls) Close(fd int) error {
	return unix.Close(fd)
}

const statxMask = unix.STATX_BASIC_STATS | unix.STATX_BTIME

func (s *linuxSyscalls) Fstat(fd int) (Stat, error) {
	var stx unix.Statx_t
	if err := unix.Statx(fd, "", unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW, statxMask, &stx); err != nil {
		return Stat{}, err
	}
	return statFromStatx(&stx), nil
}

func (s *linuxSyscalls) FstatAt(dirfd int, name string) (Stat, error) {
	var stx unix.Statx_t
	if err := unix.Statx(dirfd, name, unix.AT_SYMLINK_NOFOLLOW, statxMask, &stx); err != nil {
		return Stat{}, err
	}
	return statFromStatx(&stx), nil
}

func statxTime(ts unix.StatxTimestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

func statFromStatx(stx *unix.Statx_t) Stat {
	st := Stat{
		Mtime: statxTime(stx.Mtime),
		Atime: statxTime(stx.Atime),
		Ctime: statxTime(stx.Ctime),
		Size:  int64(stx.Size), //nolint:gosec // G115: file sizes fit in int64
		Dev:   unix.Mkdev(stx.Dev_major, stx.Dev_minor),
		Ino:   stx.Ino,
		Nlink: uint64(stx.Nlink),
		Mode:  uint32(stx.Mode) & 0o7777,
		UID:   stx.Uid,
		GID:   stx.Gid,
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		st.Btime = statxTime(stx.Btime)
	}
	switch uint32(stx.Mode) & unix.S_IFMT {
	case unix.S_IFREG:
		st.Type = Regular
	case unix.S_IFDIR:
		st.Type = Dir
	case unix.S_IFLNK:
		st.Type = Symlink
	default:
		st.Type = Other
	}
	return st
}

func (s *linuxSyscalls) ReadDirNames(fd int) ([]string, error) {
	buf := make([]byte, direntBufSize)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, io.EOF
		}
		// ParseDirent drops "." and "..", so a batch holding only those
		// comes back empty and we read again.
		_, _, names := unix.ParseDirent(buf[:n], -1, nil)
		if len(names) > 0 {
			return names, nil
		}
	}
}

func (s *linuxSyscalls) MkdirAt(dirfd int, name string, mode uint32) error {
	return unix.Mkdirat(dirfd, name, mode)
}

func (s *linuxSyscalls) SymlinkAt(target string, dirfd int, name string) error {
	return unix.Symlinkat(target, dirfd, name)
}

func (s *linuxSyscalls) ReadlinkAt(dirfd int, name string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(dirfd, name, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

func (s *linuxSyscalls) UnlinkAt(dirfd int, name string, dir bool) error {
	flags := 0
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	return unix.Unlinkat(dirfd, name, flags)
}

func (s *linuxSyscalls) RenameAt(olddirfd int, oldname string, newdirfd int, newname string, noReplace bool) error {
	var flags uint
	if noReplace {
		flags = unix.RENAME_NOREPLACE
	}
	return unix.Renameat2(olddirfd, oldname, newdirfd, newname, flags)
}

func (s *linuxSyscalls) Pread(fd int, p []byte, off int64) (int, error) {
	return unix.Pread(fd, p, off)
}

func (s *linuxSyscalls) Pwrite(fd int, p []byte, off int64) (int, error) {
	return unix.Pwrite(fd, p, off)
}

func (s *linuxSyscalls) Ftruncate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}

func (s *linuxSyscalls) CopyRange(src, dst int, off, length int64) (CopyResult, error) {
	if length <= 0 {
		return CopyResult{}, nil
	}
	return copyRange(src, dst, off, length)
}

func (s *linuxSyscalls) DataSegments(fd int, size int64) ([]Segment, error) {
	return dataSegments(fd, size)
}

func (s *linuxSyscalls) Fgetxattr(fd int, key string) ([]byte, error) {
	for {
		sz, err := unix.Fgetxattr(fd, key, nil)
		if err != nil {
			return nil, err
		}
		if sz == 0 {
			return []byte{}, nil
		}
		buf := make([]byte, sz)
		n, err := unix.Fgetxattr(fd, key, buf)
		if err == unix.ERANGE {
			// Value grew between the two calls.
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (s *linuxSyscalls) Fsetxattr(fd int, key string, value []byte) error {
	return unix.Fsetxattr(fd, key, value, 0)
}

func (s *linuxSyscalls) Fremovexattr(fd int, key string) error {
	return unix.Fremovexattr(fd, key)
}

func (s *linuxSyscalls) Flistxattr(fd int) ([]string, error) {
	for {
		sz, err := unix.Flistxattr(fd, nil)
		if err != nil {
			return nil, err
		}
		if sz == 0 {
			return nil, nil
		}
		buf := make([]byte, sz)
		n, err := unix.Flistxattr(fd, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ParseXattrNames(buf[:n]), nil
	}
}

func (s *linuxSyscalls) Fchown(fd int, uid, gid int) error {
	return unix.Fchown(fd, uid, gid)
}

func (s *linuxSyscalls) Fchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode&0o7777)
}

func (s *linuxSyscalls) Futimes(fd int, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(fd, "", times, unix.AT_EMPTY_PATH); err != nil {
		// Some kernels reject AT_EMPTY_PATH for utimensat. The magic link
		// resolves to the open file itself, never to a path that a rename
		// could redirect.
		if err2 := unix.UtimesNanoAt(unix.AT_FDCWD, procFd(fd), times, 0); err2 != nil {
			return fmt.Errorf("utimensat: %w", errors.Join(err, err2))
		}
	}
	return nil
}

func (s *linuxSyscalls) Fsync(fd int) error {
	return unix.Fsync(fd)
}

func (s *linuxSyscalls) FdPath(fd int) (string, error) {
	return os.Readlink(procFd(fd))
}

func procFd(fd int) string { return "/proc/self/fd/" + strconv.Itoa(fd) }
