// Package resolver turns virtual paths into open descriptors beneath a pinned
// root, one component at a time. No path string built from user input is ever
// handed to the kernel as a whole.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/platform"
)

// InternalFile is an absolute real path known to be inside the root at the
// moment it was produced. Only the resolver creates them; callers must not
// cache them across operations.
type InternalFile struct {
	path string
}

func (f InternalFile) String() string { return f.path }

// Handle is an open descriptor plus the component name it was opened by.
// Every Handle must be closed; Close is idempotent.
type Handle struct {
	sys  platform.Syscalls
	name string
	fd   int
	once sync.Once
}

// Fd returns the raw descriptor.
func (h *Handle) Fd() int { return h.fd }

// Name returns the last component, or "" for the root.
func (h *Handle) Name() string { return h.name }

// Close releases the descriptor.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() { err = h.sys.Close(h.fd) })
	return err
}

// Resolver walks virtual paths from a root descriptor opened once at startup.
type Resolver struct {
	sys      platform.Syscalls
	logger   *slog.Logger
	rootPath string
	rootFd   int
}

// New opens rootPath and pins it for the resolver's lifetime.
func New(sys platform.Syscalls, rootPath string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := sys.OpenRoot(rootPath)
	if err != nil {
		return nil, fmt.Errorf("open root %s: %w", rootPath, fserr.Wrap("open", rootPath, err))
	}
	realPath, err := sys.FdPath(fd)
	if err != nil {
		sys.Close(fd)
		return nil, fmt.Errorf("locate root %s: %w", rootPath, err)
	}
	return &Resolver{
		sys:      sys,
		logger:   logger,
		rootPath: strings.TrimSuffix(realPath, "/"),
		rootFd:   fd,
	}, nil
}

// Close releases the root descriptor. Only used at shutdown.
func (r *Resolver) Close() error {
	return r.sys.Close(r.rootFd)
}

// Syscalls exposes the primitive layer resolved handles belong to.
func (r *Resolver) Syscalls() platform.Syscalls { return r.sys }

// RootPath is the real path of the pinned root.
func (r *Resolver) RootPath() string { return r.rootPath }

// Open resolves vp and opens its final component with flags. Intermediate
// components are opened as directories without following symlinks.
func (r *Resolver) Open(vp VirtualPath, flags platform.OpenFlag) (*Handle, error) {
	fd, err := r.walk(vp, flags)
	if err != nil {
		return nil, err
	}
	return &Handle{sys: r.sys, fd: fd, name: vp.Base()}, nil
}

// OpenParent opens the directory containing vp and returns it with the leaf
// name, for operations the kernel performs relative to a parent (mkdir,
// unlink, rename, symlink). The leaf itself is never opened.
func (r *Resolver) OpenParent(vp VirtualPath) (*Handle, string, error) {
	if vp.IsRoot() {
		return nil, "", fserr.New(fserr.OutsideRoot, "resolve", vp.String(), errNoParent)
	}
	parent := vp.Parent()
	fd, err := r.walk(parent, platform.OPath|platform.ODirectory)
	if err != nil {
		return nil, "", err
	}
	return &Handle{sys: r.sys, fd: fd, name: parent.Base()}, vp.Base(), nil
}

var errNoParent = errors.New("the root has no parent")

// Resolve converts vp into an InternalFile. The real path is read back from
// the open descriptor and must lie under the root.
func (r *Resolver) Resolve(vp VirtualPath) (InternalFile, error) {
	fd, err := r.walk(vp, platform.OPath)
	if err != nil {
		return InternalFile{}, err
	}
	defer r.sys.Close(fd)

	p, err := r.sys.FdPath(fd)
	if err != nil {
		return InternalFile{}, fserr.Wrap("resolve", vp.String(), err)
	}
	if !r.contains(p) {
		r.securityEvent(vp, "", "real path outside root", slog.String("real_path", p))
		return InternalFile{}, fserr.New(fserr.OutsideRoot, "resolve", vp.String(), nil)
	}
	return InternalFile{path: p}, nil
}

// Virtualize converts an InternalFile back to the path a tenant sees.
func (r *Resolver) Virtualize(f InternalFile) (VirtualPath, error) {
	if !r.contains(f.path) {
		return nil, fserr.New(fserr.OutsideRoot, "virtualize", f.path, nil)
	}
	return ParsePath(strings.TrimPrefix(f.path, r.rootPath))
}

func (r *Resolver) contains(p string) bool {
	return p == r.rootPath || strings.HasPrefix(p, r.rootPath+"/")
}

// walk opens each component relative to the previous descriptor. The parent
// is closed only after the child is open, and the root descriptor is never
// closed.
func (r *Resolver) walk(vp VirtualPath, final platform.OpenFlag) (int, error) {
	if vp.IsRoot() {
		fd, err := r.sys.OpenAt(r.rootFd, ".", final, 0)
		if err != nil {
			return -1, fserr.Wrap("resolve", "/", err)
		}
		return fd, nil
	}

	cur := r.rootFd
	for i, comp := range vp {
		flags := platform.OPath | platform.ODirectory
		if i == len(vp)-1 {
			flags = final
		}
		fd, err := r.sys.OpenAt(cur, comp, flags, 0)
		if err != nil {
			err = r.classify(vp, i, cur, err)
			if cur != r.rootFd {
				r.sys.Close(cur)
			}
			return -1, err
		}
		if cur != r.rootFd {
			r.sys.Close(cur)
		}
		cur = fd
	}
	return cur, nil
}

// classify maps an OpenAt failure on component i to the resolver taxonomy.
// ELOOP means a symlink was met and EXDEV means the kernel saw the walk leave
// the root. ENOTDIR from O_DIRECTORY on a symlink is the same as ELOOP.
func (r *Resolver) classify(vp VirtualPath, i, dirfd int, err error) error {
	path := VirtualPath(vp[:i+1]).String()
	switch {
	case errors.Is(err, unix.ELOOP), errors.Is(err, unix.EXDEV):
		r.securityEvent(vp, vp[i], "symlink or escape during resolution", slog.Any("error", err))
		return fserr.New(fserr.OutsideRoot, "resolve", path, err)
	case errors.Is(err, unix.ENOTDIR):
		if st, serr := r.sys.FstatAt(dirfd, vp[i]); serr == nil && st.Type == platform.Symlink {
			r.securityEvent(vp, vp[i], "symlink during resolution", slog.Any("error", err))
			return fserr.New(fserr.OutsideRoot, "resolve", path, err)
		}
		return fserr.New(fserr.NotADirectory, "resolve", path, err)
	default:
		return fserr.Wrap("resolve", path, err)
	}
}

func (r *Resolver) securityEvent(vp VirtualPath, component, msg string, attrs ...slog.Attr) {
	args := []any{
		slog.String("event", "security"),
		slog.String("path", vp.String()),
	}
	if component != "" {
		args = append(args, slog.String("component", component))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	r.logger.Warn("security event: "+msg, args...)
}
