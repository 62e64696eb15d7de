// Package memfs is an in-memory platform.Syscalls used by tests. It mirrors
// the Linux errno behavior drivefs depends on: symlinks are never followed,
// ".." is refused the way openat2 RESOLVE_BENEATH refuses it, renames across
// mount points fail with EXDEV, and owner permission bits are enforced on
// directories.
package memfs

import (
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/platform"
)

// DefaultBatchSize is how many names ReadDirNames returns per call.
const DefaultBatchSize = 64

type node struct {
	parent   *node
	children map[string]*node
	xattrs   map[string][]byte
	name     string
	target   string
	data     []byte
	mtime    time.Time
	atime    time.Time
	ctime    time.Time
	btime    time.Time
	ino      uint64
	dev      uint64
	mode     uint32
	uid      uint32
	gid      uint32
	typ      platform.FileType
	detached bool
}

type openFile struct {
	node    *node
	listing []string
	pos     int
	flags   platform.OpenFlag
	listed  bool
}

// FS is an in-memory filesystem rooted at a fixed absolute path.
type FS struct {
	mu       sync.Mutex
	root     *node
	fds      map[int]*openFile
	rootPath string
	nextFd   int
	nextIno  uint64
	nextDev  uint64

	// UID and GID own everything created through the FS. UID 0 may chown.
	UID uint32
	GID uint32

	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int

	// Now supplies timestamps.
	Now func() time.Time

	// BeforeOpen, when set, runs at the start of every OpenAt without the
	// lock held. Tests use it to mutate the tree mid-resolution.
	BeforeOpen func(dirfd int, name string)
}

var _ platform.Syscalls = (*FS)(nil)

// New returns an empty filesystem whose root directory lives at rootPath.
func New(rootPath string) *FS {
	fs := &FS{
		fds:      make(map[int]*openFile),
		rootPath: path.Clean(rootPath),
		nextFd:   3,
		nextIno:  1,
		nextDev:  1,
		UID:      1000,
		GID:      1000,
		Now:      time.Now,
	}
	fs.root = fs.newNode(nil, "", platform.Dir, 0o755)
	fs.root.dev = fs.allocDev()
	return fs
}

// RootPath returns the absolute path OpenRoot accepts.
func (fs *FS) RootPath() string { return fs.rootPath }

func (fs *FS) allocDev() uint64 {
	d := fs.nextDev
	fs.nextDev++
	return d
}

func (fs *FS) newNode(parent *node, name string, typ platform.FileType, mode uint32) *node {
	now := fs.Now()
	n := &node{
		parent: parent,
		name:   name,
		typ:    typ,
		mode:   mode & 0o7777,
		uid:    fs.UID,
		gid:    fs.GID,
		ino:    fs.nextIno,
		mtime:  now,
		atime:  now,
		ctime:  now,
		btime:  now,
	}
	fs.nextIno++
	if typ == platform.Dir {
		n.children = make(map[string]*node)
	}
	if parent != nil {
		n.dev = parent.dev
		parent.children[name] = n
		parent.mtime = now
		parent.ctime = now
	}
	return n
}

func (fs *FS) detach(n *node) {
	if n.parent != nil {
		delete(n.parent.children, n.name)
		n.parent.mtime = fs.Now()
		n.parent.ctime = n.parent.mtime
	}
	n.parent = nil
	n.detached = true
}

func (fs *FS) dir(dirfd int) (*node, error) {
	of, ok := fs.fds[dirfd]
	if !ok {
		return nil, unix.EBADF
	}
	if of.node.typ != platform.Dir {
		return nil, unix.ENOTDIR
	}
	return of.node, nil
}

func (fs *FS) file(fd int) (*openFile, error) {
	of, ok := fs.fds[fd]
	if !ok {
		return nil, unix.EBADF
	}
	return of, nil
}

func checkName(name string) error {
	switch {
	case name == "":
		return unix.ENOENT
	case name == "..":
		return unix.EXDEV
	case strings.ContainsRune(name, '/'), strings.ContainsRune(name, 0):
		return unix.EINVAL
	}
	return nil
}

// lookup finds name in the directory behind dirfd. "." is the directory
// itself.
func (fs *FS) lookup(dirfd int, name string) (*node, *node, error) {
	d, err := fs.dir(dirfd)
	if err != nil {
		return nil, nil, err
	}
	if err := checkName(name); err != nil {
		return nil, nil, err
	}
	if d.mode&0o100 == 0 && fs.UID != 0 {
		return nil, nil, unix.EACCES
	}
	if name == "." {
		return d, d, nil
	}
	return d, d.children[name], nil
}

func (fs *FS) writable(d *node) error {
	if d.detached {
		return unix.ENOENT
	}
	if d.mode&0o200 == 0 && fs.UID != 0 {
		return unix.EACCES
	}
	return nil
}

func (fs *FS) addFd(n *node, flags platform.OpenFlag) int {
	fd := fs.nextFd
	fs.nextFd++
	fs.fds[fd] = &openFile{node: n, flags: flags}
	return fd
}

func (fs *FS) OpenRoot(p string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if path.Clean(p) != fs.rootPath {
		return -1, unix.ENOENT
	}
	return fs.addFd(fs.root, platform.ORead|platform.ODirectory), nil
}

func (fs *FS) OpenAt(dirfd int, name string, flags platform.OpenFlag, mode uint32) (int, error) {
	if hook := fs.BeforeOpen; hook != nil {
		hook(dirfd, name)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return -1, err
	}
	if n == nil {
		if flags&platform.OCreate == 0 {
			return -1, unix.ENOENT
		}
		if flags&platform.ODirectory != 0 {
			return -1, unix.EINVAL
		}
		if err := fs.writable(d); err != nil {
			return -1, err
		}
		n = fs.newNode(d, name, platform.Regular, mode)
		return fs.addFd(n, flags), nil
	}
	if flags&platform.OCreate != 0 && flags&platform.OExcl != 0 {
		return -1, unix.EEXIST
	}
	if n.typ == platform.Symlink {
		return -1, unix.ELOOP
	}
	if flags&platform.ODirectory != 0 && n.typ != platform.Dir {
		return -1, unix.ENOTDIR
	}
	if flags&platform.OPath == 0 {
		if n.typ == platform.Dir && flags&platform.OWrite != 0 {
			return -1, unix.EISDIR
		}
		if flags&platform.ORead != 0 && n.mode&0o400 == 0 && fs.UID != 0 {
			return -1, unix.EACCES
		}
		if flags&platform.OWrite != 0 && n.mode&0o200 == 0 && fs.UID != 0 {
			return -1, unix.EACCES
		}
		if flags&platform.OTrunc != 0 && flags&platform.OWrite != 0 && n.typ == platform.Regular {
			n.data = nil
			n.mtime = fs.Now()
		}
	}
	return fs.addFd(n, flags), nil
}

func (fs *FS) Close(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.fds[fd]; !ok {
		return unix.EBADF
	}
	delete(fs.fds, fd)
	return nil
}

// OpenFds reports how many descriptors are open. Tests use it to catch leaks.
func (fs *FS) OpenFds() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.fds)
}

func (fs *FS) stat(n *node) platform.Stat {
	st := platform.Stat{
		Mtime: n.mtime,
		Atime: n.atime,
		Ctime: n.ctime,
		Btime: n.btime,
		Size:  int64(len(n.data)),
		Dev:   n.dev,
		Ino:   n.ino,
		Nlink: 1,
		Mode:  n.mode,
		UID:   n.uid,
		GID:   n.gid,
		Type:  n.typ,
	}
	switch n.typ {
	case platform.Dir:
		st.Nlink = 2
		st.Size = 4096
	case platform.Symlink:
		st.Size = int64(len(n.target))
	}
	return st
}

func (fs *FS) Fstat(fd int) (platform.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return platform.Stat{}, err
	}
	return fs.stat(of.node), nil
}

func (fs *FS) FstatAt(dirfd int, name string) (platform.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return platform.Stat{}, err
	}
	if n == nil {
		return platform.Stat{}, unix.ENOENT
	}
	return fs.stat(n), nil
}

func (fs *FS) ReadDirNames(fd int) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	if of.flags&platform.OPath != 0 {
		return nil, unix.EBADF
	}
	if of.node.typ != platform.Dir {
		return nil, unix.ENOTDIR
	}
	if !of.listed {
		of.listed = true
		of.listing = make([]string, 0, len(of.node.children))
		for name := range of.node.children {
			of.listing = append(of.listing, name)
		}
		sort.Strings(of.listing)
	}
	if of.pos >= len(of.listing) {
		return nil, io.EOF
	}
	batch := fs.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	end := min(of.pos+batch, len(of.listing))
	names := append([]string(nil), of.listing[of.pos:end]...)
	of.pos = end
	return names, nil
}

func (fs *FS) MkdirAt(dirfd int, name string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return err
	}
	if n != nil {
		return unix.EEXIST
	}
	if err := fs.writable(d); err != nil {
		return err
	}
	fs.newNode(d, name, platform.Dir, mode)
	return nil
}

func (fs *FS) SymlinkAt(target string, dirfd int, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return err
	}
	if n != nil {
		return unix.EEXIST
	}
	if err := fs.writable(d); err != nil {
		return err
	}
	l := fs.newNode(d, name, platform.Symlink, 0o777)
	l.target = target
	return nil
}

func (fs *FS) ReadlinkAt(dirfd int, name string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", unix.ENOENT
	}
	if n.typ != platform.Symlink {
		return "", unix.EINVAL
	}
	return n.target, nil
}

func (fs *FS) UnlinkAt(dirfd int, name string, dir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, n, err := fs.lookup(dirfd, name)
	if err != nil {
		return err
	}
	if n == nil {
		return unix.ENOENT
	}
	if n == d {
		return unix.EINVAL
	}
	if err := fs.writable(d); err != nil {
		return err
	}
	if dir {
		if n.typ != platform.Dir {
			return unix.ENOTDIR
		}
		if len(n.children) > 0 {
			return unix.ENOTEMPTY
		}
	} else if n.typ == platform.Dir {
		return unix.EISDIR
	}
	fs.detach(n)
	return nil
}

func isAncestor(a, b *node) bool {
	for p := b; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

func (fs *FS) RenameAt(olddirfd int, oldname string, newdirfd int, newname string, noReplace bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	od, src, err := fs.lookup(olddirfd, oldname)
	if err != nil {
		return err
	}
	nd, dst, err := fs.lookup(newdirfd, newname)
	if err != nil {
		return err
	}
	if src == nil {
		return unix.ENOENT
	}
	if src == od || dst == nd {
		return unix.EBUSY
	}
	if err := fs.writable(od); err != nil {
		return err
	}
	if err := fs.writable(nd); err != nil {
		return err
	}
	if src.dev != nd.dev {
		return unix.EXDEV
	}
	if src.typ == platform.Dir && isAncestor(src, nd) {
		return unix.EINVAL
	}
	if dst != nil {
		if noReplace {
			return unix.EEXIST
		}
		if dst == src {
			return nil
		}
		switch {
		case dst.typ == platform.Dir && src.typ != platform.Dir:
			return unix.EISDIR
		case dst.typ != platform.Dir && src.typ == platform.Dir:
			return unix.ENOTDIR
		case dst.typ == platform.Dir && len(dst.children) > 0:
			return unix.ENOTEMPTY
		}
		fs.detach(dst)
	}
	delete(od.children, src.name)
	now := fs.Now()
	od.mtime, od.ctime = now, now
	src.parent = nd
	src.name = newname
	src.ctime = now
	nd.children[newname] = src
	nd.mtime, nd.ctime = now, now
	return nil
}

func (fs *FS) Pread(fd int, p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	if of.flags&platform.OPath != 0 || of.flags&platform.ORead == 0 {
		return 0, unix.EBADF
	}
	if of.node.typ == platform.Dir {
		return 0, unix.EISDIR
	}
	data := of.node.data
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(p, data[off:]), nil
}

func writeAt(n *node, p []byte, off int64) {
	end := off + int64(len(p))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], p)
}

func (fs *FS) writableFile(fd int) (*openFile, error) {
	of, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	if of.flags&platform.OPath != 0 || of.flags&platform.OWrite == 0 {
		return nil, unix.EBADF
	}
	if of.node.typ != platform.Regular {
		return nil, unix.EISDIR
	}
	return of, nil
}

func (fs *FS) Pwrite(fd int, p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.writableFile(fd)
	if err != nil {
		return 0, err
	}
	writeAt(of.node, p, off)
	of.node.mtime = fs.Now()
	return len(p), nil
}

func (fs *FS) Ftruncate(fd int, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.writableFile(fd)
	if err != nil {
		return err
	}
	n := of.node
	if size < int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	n.mtime = fs.Now()
	return nil
}

func (fs *FS) CopyRange(src, dst int, off, length int64) (platform.CopyResult, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sf, err := fs.file(src)
	if err != nil {
		return platform.CopyResult{}, err
	}
	if sf.flags&platform.ORead == 0 || sf.flags&platform.OPath != 0 {
		return platform.CopyResult{}, unix.EBADF
	}
	df, err := fs.writableFile(dst)
	if err != nil {
		return platform.CopyResult{}, err
	}
	data := sf.node.data
	if off >= int64(len(data)) || length <= 0 {
		return platform.CopyResult{Method: platform.InMemory}, nil
	}
	end := min(off+length, int64(len(data)))
	chunk := append([]byte(nil), data[off:end]...)
	writeAt(df.node, chunk, off)
	df.node.mtime = fs.Now()
	return platform.CopyResult{BytesWritten: int64(len(chunk)), Method: platform.InMemory}, nil
}

func (fs *FS) DataSegments(_ int, size int64) ([]platform.Segment, error) {
	if size == 0 {
		return nil, nil
	}
	return []platform.Segment{{Offset: 0, Length: size, IsData: true}}, nil
}

func (fs *FS) xattrFile(fd int) (*node, error) {
	of, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	if of.flags&platform.OPath != 0 {
		return nil, unix.EBADF
	}
	return of.node, nil
}

func (fs *FS) Fgetxattr(fd int, key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.xattrFile(fd)
	if err != nil {
		return nil, err
	}
	v, ok := n.xattrs[key]
	if !ok {
		return nil, unix.ENODATA
	}
	return append([]byte{}, v...), nil
}

func (fs *FS) Fsetxattr(fd int, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.xattrFile(fd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(key, "user.") && fs.UID != 0 {
		return unix.EPERM
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[key] = append([]byte{}, value...)
	n.ctime = fs.Now()
	return nil
}

func (fs *FS) Fremovexattr(fd int, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.xattrFile(fd)
	if err != nil {
		return err
	}
	if _, ok := n.xattrs[key]; !ok {
		return unix.ENODATA
	}
	delete(n.xattrs, key)
	n.ctime = fs.Now()
	return nil
}

func (fs *FS) Flistxattr(fd int) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.xattrFile(fd)
	if err != nil {
		return nil, err
	}
	if len(n.xattrs) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FS) Fchown(fd int, uid, gid int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return err
	}
	n := of.node
	if fs.UID != 0 {
		if (uid >= 0 && uint32(uid) != n.uid) || (gid >= 0 && uint32(gid) != fs.GID && uint32(gid) != n.gid) { //nolint:gosec // G115: ids are non-negative here
			return unix.EPERM
		}
	}
	if uid >= 0 {
		n.uid = uint32(uid) //nolint:gosec // G115: checked above
	}
	if gid >= 0 {
		n.gid = uint32(gid) //nolint:gosec // G115: checked above
	}
	n.ctime = fs.Now()
	return nil
}

func (fs *FS) Fchmod(fd int, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.xattrFile(fd)
	if err != nil {
		return err
	}
	if fs.UID != 0 && n.uid != fs.UID {
		return unix.EPERM
	}
	n.mode = mode & 0o7777
	n.ctime = fs.Now()
	return nil
}

func (fs *FS) Futimes(fd int, atime, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return err
	}
	of.node.atime = atime
	of.node.mtime = mtime
	return nil
}

func (fs *FS) Fsync(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := fs.file(fd)
	return err
}

func (fs *FS) FdPath(fd int) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, err := fs.file(fd)
	if err != nil {
		return "", err
	}
	return fs.pathOf(of.node)
}

func (fs *FS) pathOf(n *node) (string, error) {
	var parts []string
	for p := n; p != fs.root; p = p.parent {
		if p == nil || p.detached {
			return "", unix.ENOENT
		}
		parts = append(parts, p.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return path.Join(append([]string{fs.rootPath}, parts...)...), nil
}
