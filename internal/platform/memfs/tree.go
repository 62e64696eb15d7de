package memfs

import (
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/platform"
)

// The helpers below take slash-separated paths relative to the root and
// bypass permission checks. They exist for test setup and assertions.

func splitPath(p string) []string {
	var parts []string
	for _, c := range strings.Split(p, "/") {
		if c != "" && c != "." {
			parts = append(parts, c)
		}
	}
	return parts
}

func (fs *FS) walk(p string) (*node, error) {
	n := fs.root
	for _, c := range splitPath(p) {
		if n.typ != platform.Dir {
			return nil, unix.ENOTDIR
		}
		child, ok := n.children[c]
		if !ok {
			return nil, unix.ENOENT
		}
		n = child
	}
	return n, nil
}

func (fs *FS) walkParent(p string) (*node, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", unix.EINVAL
	}
	parent, err := fs.walk(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if parent.typ != platform.Dir {
		return nil, "", unix.ENOTDIR
	}
	return parent, parts[len(parts)-1], nil
}

// MkdirAll creates p and any missing parents.
func (fs *FS) MkdirAll(p string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := fs.root
	for _, c := range splitPath(p) {
		child, ok := n.children[c]
		if !ok {
			child = fs.newNode(n, c, platform.Dir, mode)
		}
		if child.typ != platform.Dir {
			return unix.ENOTDIR
		}
		n = child
	}
	return nil
}

// WriteFile creates or replaces the regular file at p. Parents must exist.
func (fs *FS) WriteFile(p string, data []byte, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, name, err := fs.walkParent(p)
	if err != nil {
		return err
	}
	n, ok := parent.children[name]
	switch {
	case !ok:
		n = fs.newNode(parent, name, platform.Regular, mode)
	case n.typ != platform.Regular:
		return unix.EISDIR
	}
	n.data = append([]byte(nil), data...)
	n.mode = mode & 0o7777
	n.mtime = fs.Now()
	return nil
}

// Symlink creates a symlink at p pointing at target.
func (fs *FS) Symlink(target, p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, name, err := fs.walkParent(p)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return unix.EEXIST
	}
	l := fs.newNode(parent, name, platform.Symlink, 0o777)
	l.target = target
	return nil
}

// ReadFile returns the contents of the regular file at p.
func (fs *FS) ReadFile(p string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return nil, err
	}
	if n.typ != platform.Regular {
		return nil, unix.EISDIR
	}
	return append([]byte(nil), n.data...), nil
}

// Exists reports whether anything lives at p.
func (fs *FS) Exists(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := fs.walk(p)
	return err == nil
}

// Lstat stats p without following a final symlink.
func (fs *FS) Lstat(p string) (platform.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return platform.Stat{}, err
	}
	return fs.stat(n), nil
}

// Names lists the entries of the directory at p in sorted order.
func (fs *FS) Names(p string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return nil, err
	}
	if n.typ != platform.Dir {
		return nil, unix.ENOTDIR
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Chmod sets the permission bits of p.
func (fs *FS) Chmod(p string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return err
	}
	n.mode = mode & 0o7777
	return nil
}

// Chown sets the owner of p.
func (fs *FS) Chown(p string, uid, gid uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return err
	}
	n.uid, n.gid = uid, gid
	return nil
}

// SetXattr sets an extended attribute on p.
func (fs *FS) SetXattr(p, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return err
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[key] = append([]byte(nil), value...)
	return nil
}

// Xattr returns an extended attribute of p.
func (fs *FS) Xattr(p, key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return nil, err
	}
	v, ok := n.xattrs[key]
	if !ok {
		return nil, unix.ENODATA
	}
	return append([]byte(nil), v...), nil
}

// Mount makes the directory at p the root of a new device. Renames between
// it and the rest of the tree fail with EXDEV.
func (fs *FS) Mount(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return err
	}
	if n.typ != platform.Dir {
		return unix.ENOTDIR
	}
	setDev(n, fs.allocDev())
	return nil
}

func setDev(n *node, dev uint64) {
	n.dev = dev
	for _, c := range n.children {
		setDev(c, dev)
	}
}

// Remove deletes p and everything beneath it.
func (fs *FS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(p)
	if err != nil {
		return err
	}
	if n == fs.root {
		return unix.EBUSY
	}
	fs.detach(n)
	return nil
}
