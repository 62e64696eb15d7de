package nativefs

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/platform/memfs"
	"github.com/bamsammich/drivefs/internal/resolver"
)

const testRoot = "/srv/drive"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestFS(t *testing.T) (*FS, *memfs.FS) {
	t.Helper()
	mem := memfs.New(testRoot)
	res, err := resolver.New(mem, testRoot, quietLogger())
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	return New(res, opts), mem
}

func vp(s string) resolver.VirtualPath { return resolver.MustParse(s) }

func TestStat(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.MkdirAll("d", 0o750))
	require.NoError(t, mem.WriteFile("d/f", []byte("hello"), 0o640))
	require.NoError(t, mem.SetXattr("d/f", "user.drivefs.favorite", []byte("1")))
	require.NoError(t, mem.SetXattr("d/f", "user.other", []byte("x")))
	require.NoError(t, mem.Symlink("/etc/passwd", "d/l"))

	a, err := fs.Stat(vp("/d/f"))
	require.NoError(t, err)
	assert.Equal(t, platform.Regular, a.Type)
	assert.Equal(t, int64(5), a.Size)
	assert.Equal(t, uint32(0o640), a.Mode)
	assert.Equal(t, map[XattrKey][]byte{KeyFavorite: []byte("1")}, a.Metadata)
	assert.False(t, a.Created.IsZero())

	l, err := fs.Stat(vp("/d/l"))
	require.NoError(t, err)
	assert.Equal(t, platform.Symlink, l.Type)
	assert.Equal(t, "/etc/passwd", l.LinkTarget)

	root, err := fs.Stat(resolver.VirtualPath{})
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	_, err = fs.Stat(vp("/d/missing"))
	assert.True(t, fserr.Is(err, fserr.NotFound))
	assert.Equal(t, 1, mem.OpenFds())
}

func TestList(t *testing.T) {
	fs, mem := newTestFS(t)
	mem.BatchSize = 2
	require.NoError(t, mem.MkdirAll("d/sub", 0o755))
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, mem.WriteFile("d/"+n, []byte(n), 0o644))
	}

	var names []string
	for e, err := range fs.List(vp("/d")) {
		require.NoError(t, err)
		names = append(names, e.Name)
		if e.Name == "sub" {
			assert.True(t, e.IsDir())
		}
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b", "c", "sub"}, names)

	// Breaking out early still releases the descriptor.
	for range fs.List(vp("/d")) {
		break
	}
	assert.Equal(t, 1, mem.OpenFds())

	for _, err := range fs.List(vp("/d/a")) {
		assert.True(t, fserr.Is(err, fserr.NotADirectory), "got %v", err)
	}
}

func TestListSkipsEntriesRemovedMidway(t *testing.T) {
	fs, mem := newTestFS(t)
	mem.BatchSize = 1
	require.NoError(t, mem.MkdirAll("d", 0o755))
	require.NoError(t, mem.WriteFile("d/a", nil, 0o644))
	require.NoError(t, mem.WriteFile("d/b", nil, 0o644))

	var names []string
	for e, err := range fs.List(vp("/d")) {
		require.NoError(t, err)
		names = append(names, e.Name)
		if e.Name == "a" {
			require.NoError(t, mem.Remove("d/b"))
		}
	}
	assert.Equal(t, []string{"a"}, names)
}

func TestCreateDirectoryAndFile(t *testing.T) {
	fs, mem := newTestFS(t)

	require.NoError(t, fs.CreateDirectory(vp("/d"), 0))
	st, err := mem.Lstat("d")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o755), st.Mode)

	err = fs.CreateDirectory(vp("/d"), 0o700)
	assert.True(t, fserr.Is(err, fserr.AlreadyExists))

	err = fs.CreateDirectory(vp("/missing/d"), 0)
	assert.True(t, fserr.Is(err, fserr.NotFound))

	require.NoError(t, fs.CreateFile(vp("/d/f"), 0o600))
	err = fs.CreateFile(vp("/d/f"), 0o600)
	assert.True(t, fserr.Is(err, fserr.AlreadyExists))
}

func TestRenameOrMove(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.MkdirAll("a", 0o755))
	require.NoError(t, mem.MkdirAll("b", 0o755))
	require.NoError(t, mem.MkdirAll("other", 0o755))
	require.NoError(t, mem.Mount("other"))
	require.NoError(t, mem.WriteFile("a/f", []byte("x"), 0o644))
	require.NoError(t, mem.WriteFile("b/taken", nil, 0o644))

	before, err := fs.Stat(vp("/a/f"))
	require.NoError(t, err)
	require.NoError(t, fs.RenameOrMove(vp("/a/f"), vp("/b/f")))
	after, err := fs.Stat(vp("/b/f"))
	require.NoError(t, err)
	assert.Equal(t, before.Ino, after.Ino)

	err = fs.RenameOrMove(vp("/b/f"), vp("/b/taken"))
	assert.True(t, fserr.Is(err, fserr.Conflict))

	err = fs.RenameOrMove(vp("/b/f"), vp("/other/f"))
	assert.True(t, fserr.Is(err, fserr.CrossDevice), "got %v", err)
	assert.True(t, mem.Exists("b/f"), "no fallback on cross-device")
}

func TestDeleteEntry(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.MkdirAll("d/sub", 0o755))
	require.NoError(t, mem.WriteFile("d/f", nil, 0o644))
	require.NoError(t, mem.Symlink("/etc", "d/l"))

	require.NoError(t, fs.DeleteEntry(vp("/d/f")))
	require.NoError(t, fs.DeleteEntry(vp("/d/l")))
	assert.True(t, fserr.Is(fs.DeleteEntry(vp("/d")), fserr.NotEmpty))
	require.NoError(t, fs.DeleteEntry(vp("/d/sub")))
	require.NoError(t, fs.DeleteEntry(vp("/d")))
	assert.True(t, fserr.Is(fs.DeleteEntry(vp("/d")), fserr.NotFound))

	require.NoError(t, mem.MkdirAll("locked/x", 0o755))
	require.NoError(t, mem.Chmod("locked", 0o555))
	assert.True(t, fserr.Is(fs.DeleteEntry(vp("/locked/x")), fserr.PermissionDenied))
}

func TestExtendedAttributes(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.WriteFile("f", nil, 0o644))

	_, err := fs.GetExtendedAttribute(vp("/f"), KeySensitivity)
	assert.True(t, fserr.Is(err, fserr.NotFound))

	require.NoError(t, fs.SetExtendedAttribute(vp("/f"), KeySensitivity, []byte("high")))
	require.NoError(t, fs.SetExtendedAttribute(vp("/f"), KeyFavorite, []byte("1")))
	val, err := fs.GetExtendedAttribute(vp("/f"), KeySensitivity)
	require.NoError(t, err)
	assert.Equal(t, []byte("high"), val)

	raw, err := mem.Xattr("f", "user.drivefs.sensitivity")
	require.NoError(t, err)
	assert.Equal(t, []byte("high"), raw)

	keys, err := fs.ListExtendedAttributes(vp("/f"))
	require.NoError(t, err)
	assert.Equal(t, []XattrKey{KeyFavorite, KeySensitivity}, keys)

	require.NoError(t, fs.RemoveExtendedAttribute(vp("/f"), KeyFavorite))
	assert.True(t, fserr.Is(fs.RemoveExtendedAttribute(vp("/f"), KeyFavorite), fserr.NotFound))
}

func TestChownAndChmod(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.WriteFile("f", nil, 0o644))

	require.NoError(t, fs.ChownAndChmod(vp("/f"), -1, -1, 0o600))
	st, err := mem.Lstat("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), st.Mode)

	err = fs.ChownAndChmod(vp("/f"), 0, 0, KeepMode)
	assert.True(t, fserr.Is(err, fserr.PermissionDenied), "only root may give files away")

	mem.UID = 0
	require.NoError(t, fs.ChownAndChmod(vp("/f"), 2000, 2000, KeepMode))
	st, err = mem.Lstat("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), st.UID)
	assert.Equal(t, uint32(0o600), st.Mode)
}

func TestHash(t *testing.T) {
	fs, mem := newTestFS(t)
	require.NoError(t, mem.WriteFile("a", []byte("same"), 0o644))
	require.NoError(t, mem.WriteFile("b", []byte("same"), 0o644))
	require.NoError(t, mem.WriteFile("c", []byte("diff"), 0o644))

	ha, err := fs.Hash(context.Background(), vp("/a"))
	require.NoError(t, err)
	hb, err := fs.Hash(context.Background(), vp("/b"))
	require.NoError(t, err)
	hc, err := fs.Hash(context.Background(), vp("/c"))
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
	assert.Len(t, ha, 64)
}

func TestPool(t *testing.T) {
	p := NewPool(2)
	defer p.Close()
	fs, mem := newTestFS(t)
	require.NoError(t, mem.WriteFile("f", []byte("abc"), 0o644))

	attrs, err := Call(context.Background(), p, func() (Attributes, error) {
		return fs.Stat(vp("/f"))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), attrs.Size)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	err = p.Do(ctx, func() { <-release })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(1)
	p.Close()
	assert.ErrorIs(t, p.Do(context.Background(), func() {}), ErrPoolClosed)
}

func TestFaultyErrnoSurfacesAsKind(t *testing.T) {
	mem := memfs.New(testRoot)
	faulty := platform.NewFaulty(mem)
	res, err := resolver.New(faulty, testRoot, quietLogger())
	require.NoError(t, err)
	fs := New(res, DefaultOptions())
	require.NoError(t, mem.MkdirAll("d", 0o755))

	faulty.Inject(platform.FailOn(platform.OpMkdirAt, "new", unix.EAGAIN))
	err = fs.CreateDirectory(vp("/d/new"), 0)
	assert.True(t, fserr.Is(err, fserr.TransientIO))
	assert.True(t, fserr.KindOf(err).Transient())
}
