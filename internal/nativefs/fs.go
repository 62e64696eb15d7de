// Package nativefs exposes file-level primitives on top of the resolver and
// the fd-relative syscall layer. Every operation releases all descriptors
// before returning and surfaces failures as fserr kinds. Nothing is retried
// here; retry policy belongs to the scheduler.
package nativefs

import (
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/resolver"
)

// KeepMode passed to ChownAndChmod leaves the permission bits alone.
const KeepMode = ^uint32(0)

// Options configures an FS.
type Options struct {
	// FileMode and DirMode are used when a caller passes mode 0.
	FileMode uint32
	DirMode  uint32
	// XattrPrefix namespaces the platform metadata keys, e.g. "user.drivefs.".
	XattrPrefix string
	// Limiter caps aggregate copy throughput when non-nil.
	Limiter *rate.Limiter
	// PreserveOwner makes CopySingleEntry attempt fchown on the copy.
	PreserveOwner bool
	// Fsync flushes each copied file before it is renamed into place.
	Fsync  bool
	Logger *slog.Logger
}

// DefaultOptions returns the settings used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		FileMode:    0o644,
		DirMode:     0o755,
		XattrPrefix: "user.drivefs.",
	}
}

// FS performs native filesystem operations beneath a resolver's root.
type FS struct {
	res  *resolver.Resolver
	sys  platform.Syscalls
	tmp  *tmpRegistry
	opts Options
}

// New returns an FS bound to res.
func New(res *resolver.Resolver, opts Options) *FS {
	if opts.FileMode == 0 {
		opts.FileMode = 0o644
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FS{
		res:  res,
		sys:  res.Syscalls(),
		tmp:  newTmpRegistry(),
		opts: opts,
	}
}

// Attributes describes one filesystem entry.
type Attributes struct {
	Created    time.Time
	Modified   time.Time
	Accessed   time.Time
	Metadata   map[XattrKey][]byte
	LinkTarget string
	Size       int64
	Dev        uint64
	Ino        uint64
	Nlink      uint64
	Mode       uint32
	UID        uint32
	GID        uint32
	Type       platform.FileType
}

// IsDir reports whether the entry is a directory.
func (a Attributes) IsDir() bool { return a.Type == platform.Dir }

// Entry is one item of a directory listing.
type Entry struct {
	Name string
	Attributes
}

func attributesFromStat(st platform.Stat) Attributes {
	created := st.Btime
	if created.IsZero() {
		created = st.Ctime
	}
	return Attributes{
		Type:     st.Type,
		Size:     st.Size,
		Created:  created,
		Modified: st.Mtime,
		Accessed: st.Atime,
		UID:      st.UID,
		GID:      st.GID,
		Mode:     st.Mode,
		Dev:      st.Dev,
		Ino:      st.Ino,
		Nlink:    st.Nlink,
	}
}

// wrap classifies a syscall failure on vp. A symlink met by a single-component
// open means the entry was swapped under us, which is a resolution escape.
func wrap(op string, vp resolver.VirtualPath, err error) error {
	if err == nil {
		return nil
	}
	var fe *fserr.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, unix.ELOOP) {
		return fserr.New(fserr.OutsideRoot, op, vp.String(), err)
	}
	return fserr.Wrap(op, vp.String(), err)
}

// Resolve returns the validated real location of vp.
func (fs *FS) Resolve(vp resolver.VirtualPath) (resolver.InternalFile, error) {
	return fs.res.Resolve(vp)
}

// Stat returns the attributes of vp without following a final symlink.
func (fs *FS) Stat(vp resolver.VirtualPath) (Attributes, error) {
	if vp.IsRoot() {
		h, err := fs.res.Open(vp, platform.ORead|platform.ODirectory)
		if err != nil {
			return Attributes{}, err
		}
		defer h.Close()
		st, err := fs.sys.Fstat(h.Fd())
		if err != nil {
			return Attributes{}, wrap("stat", vp, err)
		}
		attrs := attributesFromStat(st)
		attrs.Metadata = fs.readMetadata(h.Fd())
		return attrs, nil
	}

	parent, leaf, err := fs.res.OpenParent(vp)
	if err != nil {
		return Attributes{}, err
	}
	defer parent.Close()
	return fs.statAt(parent.Fd(), leaf, vp)
}

func (fs *FS) statAt(dirfd int, name string, vp resolver.VirtualPath) (Attributes, error) {
	st, err := fs.sys.FstatAt(dirfd, name)
	if err != nil {
		return Attributes{}, wrap("stat", vp, err)
	}
	attrs := attributesFromStat(st)
	switch st.Type {
	case platform.Symlink:
		if target, err := fs.sys.ReadlinkAt(dirfd, name); err == nil {
			attrs.LinkTarget = target
		}
	case platform.Regular, platform.Dir:
		fd, err := fs.openEntryAt(dirfd, name, st.Type)
		if err == nil {
			attrs.Metadata = fs.readMetadata(fd)
			fs.sys.Close(fd)
		}
	}
	return attrs, nil
}

// openEntryAt opens a regular file or directory for reading. Other types are
// refused so a FIFO can never block the caller.
func (fs *FS) openEntryAt(dirfd int, name string, typ platform.FileType) (int, error) {
	switch typ {
	case platform.Dir:
		return fs.sys.OpenAt(dirfd, name, platform.ORead|platform.ODirectory, 0)
	case platform.Regular:
		return fs.sys.OpenAt(dirfd, name, platform.ORead, 0)
	default:
		return -1, unix.EINVAL
	}
}

// openEntry resolves vp to a readable descriptor on the entry itself.
func (fs *FS) openEntry(vp resolver.VirtualPath) (int, platform.Stat, error) {
	if vp.IsRoot() {
		h, err := fs.res.Open(vp, platform.ORead|platform.ODirectory)
		if err != nil {
			return -1, platform.Stat{}, err
		}
		st, err := fs.sys.Fstat(h.Fd())
		if err != nil {
			h.Close()
			return -1, platform.Stat{}, wrap("stat", vp, err)
		}
		return h.Fd(), st, nil
	}
	parent, leaf, err := fs.res.OpenParent(vp)
	if err != nil {
		return -1, platform.Stat{}, err
	}
	defer parent.Close()
	st, err := fs.sys.FstatAt(parent.Fd(), leaf)
	if err != nil {
		return -1, platform.Stat{}, wrap("stat", vp, err)
	}
	if st.Type == platform.Symlink {
		return -1, platform.Stat{}, fserr.New(fserr.OutsideRoot, "open", vp.String(), unix.ELOOP)
	}
	fd, err := fs.openEntryAt(parent.Fd(), leaf, st.Type)
	if err != nil {
		return -1, platform.Stat{}, wrap("open", vp, err)
	}
	return fd, st, nil
}

// List streams the entries of the directory vp. Entries removed while the
// listing runs are skipped. The sequence holds one open descriptor until the
// caller stops ranging.
func (fs *FS) List(vp resolver.VirtualPath) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		h, err := fs.res.Open(vp, platform.ORead|platform.ODirectory)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer h.Close()

		for {
			names, err := fs.sys.ReadDirNames(h.Fd())
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Entry{}, wrap("list", vp, err))
				}
				return
			}
			for _, name := range names {
				attrs, err := fs.statAt(h.Fd(), name, vp.Child(name))
				if fserr.Is(err, fserr.NotFound) {
					continue
				}
				if !yield(Entry{Name: name, Attributes: attrs}, err) {
					return
				}
			}
		}
	}
}

// Names lists just the entry names of vp, which is all the worklist tasks
// need when expanding a directory.
func (fs *FS) Names(vp resolver.VirtualPath) ([]string, error) {
	h, err := fs.res.Open(vp, platform.ORead|platform.ODirectory)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	var out []string
	for {
		names, err := fs.sys.ReadDirNames(h.Fd())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, wrap("list", vp, err)
		}
		out = append(out, names...)
	}
}

// CreateDirectory makes a single directory. The parent must exist.
func (fs *FS) CreateDirectory(vp resolver.VirtualPath, mode uint32) error {
	if mode == 0 {
		mode = fs.opts.DirMode
	}
	parent, leaf, err := fs.res.OpenParent(vp)
	if err != nil {
		return err
	}
	defer parent.Close()
	return wrap("mkdir", vp, fs.sys.MkdirAt(parent.Fd(), leaf, mode))
}

// CreateFile makes an empty regular file, failing if anything exists at vp.
func (fs *FS) CreateFile(vp resolver.VirtualPath, mode uint32) error {
	if mode == 0 {
		mode = fs.opts.FileMode
	}
	parent, leaf, err := fs.res.OpenParent(vp)
	if err != nil {
		return err
	}
	defer parent.Close()
	fd, err := fs.sys.OpenAt(parent.Fd(), leaf, platform.OWrite|platform.OCreate|platform.OExcl, mode)
	if err != nil {
		return wrap("create", vp, err)
	}
	return wrap("create", vp, fs.sys.Close(fd))
}

// RenameOrMove atomically renames src to dst without replacing an existing
// entry. A cross-device rename is reported as CrossDevice and never emulated.
func (fs *FS) RenameOrMove(src, dst resolver.VirtualPath) error {
	sp, sleaf, err := fs.res.OpenParent(src)
	if err != nil {
		return err
	}
	defer sp.Close()
	dp, dleaf, err := fs.res.OpenParent(dst)
	if err != nil {
		return err
	}
	defer dp.Close()
	return wrap("rename", src, fs.sys.RenameAt(sp.Fd(), sleaf, dp.Fd(), dleaf, true))
}

// DeleteEntry removes exactly one file, symlink, or empty directory.
func (fs *FS) DeleteEntry(vp resolver.VirtualPath) error {
	parent, leaf, err := fs.res.OpenParent(vp)
	if err != nil {
		return err
	}
	defer parent.Close()

	st, err := fs.sys.FstatAt(parent.Fd(), leaf)
	if err != nil {
		return wrap("delete", vp, err)
	}
	isDir := st.Type == platform.Dir
	err = fs.sys.UnlinkAt(parent.Fd(), leaf, isDir)
	// The entry changed type between the stat and the unlink.
	if errors.Is(err, unix.EISDIR) || (isDir && errors.Is(err, unix.ENOTDIR)) {
		err = fs.sys.UnlinkAt(parent.Fd(), leaf, !isDir)
	}
	return wrap("delete", vp, err)
}

// ChownAndChmod changes ownership and permission bits. A negative uid or gid
// is left unchanged, as is the mode when KeepMode is passed.
func (fs *FS) ChownAndChmod(vp resolver.VirtualPath, uid, gid int, mode uint32) error {
	fd, _, err := fs.openEntry(vp)
	if err != nil {
		return err
	}
	defer fs.sys.Close(fd)

	if uid >= 0 || gid >= 0 {
		if err := fs.sys.Fchown(fd, uid, gid); err != nil {
			return wrap("chown", vp, err)
		}
	}
	if mode != KeepMode {
		if err := fs.sys.Fchmod(fd, mode); err != nil {
			return wrap("chmod", vp, err)
		}
	}
	return nil
}

// IsTempName reports whether name is an in-flight copy created by
// CopySingleEntry. Listings used for copying skip them.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tmpSuffix)
}
