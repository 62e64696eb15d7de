package platform

import (
	"sync"
	"sync/atomic"
	"time"
)

// Op names an injectable syscall.
type Op string

const (
	OpOpenAt    Op = "openat"
	OpFstatAt   Op = "fstatat"
	OpMkdirAt   Op = "mkdirat"
	OpUnlinkAt  Op = "unlinkat"
	OpRenameAt  Op = "renameat"
	OpSymlinkAt Op = "symlinkat"
	OpCopyRange Op = "copyrange"
	OpPwrite    Op = "pwrite"
	OpSetxattr  Op = "setxattr"
)

// FaultFunc decides whether a call fails. name is the single path component
// the call operates on, or "" for fd-only calls. A nil return lets the call
// through.
type FaultFunc func(op Op, name string) error

// Faulty wraps a Syscalls and fails selected calls. It is used by tests to
// exercise error paths that are hard to trigger on a real filesystem.
type Faulty struct {
	Syscalls

	mu    sync.RWMutex
	fault FaultFunc
}

// NewFaulty wraps inner with no faults installed.
func NewFaulty(inner Syscalls) *Faulty {
	return &Faulty{Syscalls: inner}
}

// Inject installs fn, replacing any previous fault.
func (f *Faulty) Inject(fn FaultFunc) {
	f.mu.Lock()
	f.fault = fn
	f.mu.Unlock()
}

// Reset removes the installed fault.
func (f *Faulty) Reset() { f.Inject(nil) }

func (f *Faulty) check(op Op, name string) error {
	f.mu.RLock()
	fn := f.fault
	f.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, name)
}

// FailOn returns a FaultFunc failing every op call on name with err. An
// empty name matches every call of op.
func FailOn(op Op, name string, err error) FaultFunc {
	return func(o Op, n string) error {
		if o == op && (name == "" || n == name) {
			return err
		}
		return nil
	}
}

// FailTimes is like FailOn but only fails the first times matching calls.
func FailTimes(op Op, name string, times int, err error) FaultFunc {
	var remaining atomic.Int64
	remaining.Store(int64(times))
	match := FailOn(op, name, err)
	return func(o Op, n string) error {
		if match(o, n) == nil {
			return nil
		}
		if remaining.Add(-1) < 0 {
			return nil
		}
		return err
	}
}

func (f *Faulty) OpenAt(dirfd int, name string, flags OpenFlag, mode uint32) (int, error) {
	if err := f.check(OpOpenAt, name); err != nil {
		return -1, err
	}
	return f.Syscalls.OpenAt(dirfd, name, flags, mode)
}

func (f *Faulty) FstatAt(dirfd int, name string) (Stat, error) {
	if err := f.check(OpFstatAt, name); err != nil {
		return Stat{}, err
	}
	return f.Syscalls.FstatAt(dirfd, name)
}

func (f *Faulty) MkdirAt(dirfd int, name string, mode uint32) error {
	if err := f.check(OpMkdirAt, name); err != nil {
		return err
	}
	return f.Syscalls.MkdirAt(dirfd, name, mode)
}

func (f *Faulty) UnlinkAt(dirfd int, name string, dir bool) error {
	if err := f.check(OpUnlinkAt, name); err != nil {
		return err
	}
	return f.Syscalls.UnlinkAt(dirfd, name, dir)
}

func (f *Faulty) RenameAt(olddirfd int, oldname string, newdirfd int, newname string, noReplace bool) error {
	if err := f.check(OpRenameAt, oldname); err != nil {
		return err
	}
	return f.Syscalls.RenameAt(olddirfd, oldname, newdirfd, newname, noReplace)
}

func (f *Faulty) SymlinkAt(target string, dirfd int, name string) error {
	if err := f.check(OpSymlinkAt, name); err != nil {
		return err
	}
	return f.Syscalls.SymlinkAt(target, dirfd, name)
}

func (f *Faulty) CopyRange(src, dst int, off, length int64) (CopyResult, error) {
	if err := f.check(OpCopyRange, ""); err != nil {
		return CopyResult{}, err
	}
	return f.Syscalls.CopyRange(src, dst, off, length)
}

func (f *Faulty) Pwrite(fd int, p []byte, off int64) (int, error) {
	if err := f.check(OpPwrite, ""); err != nil {
		return 0, err
	}
	return f.Syscalls.Pwrite(fd, p, off)
}

func (f *Faulty) Fsetxattr(fd int, key string, value []byte) error {
	if err := f.check(OpSetxattr, key); err != nil {
		return err
	}
	return f.Syscalls.Fsetxattr(fd, key, value)
}

// Slow returns a FaultFunc that delays every op call by d and lets it through.
func Slow(op Op, d time.Duration) FaultFunc {
	return func(o Op, _ string) error {
		if o == op {
			time.Sleep(d)
		}
		return nil
	}
}
