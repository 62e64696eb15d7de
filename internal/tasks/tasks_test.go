package tasks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/platform/memfs"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

const testRoot = "/srv/drive"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func vp(s string) resolver.VirtualPath { return resolver.MustParse(s) }

func envFor(t *testing.T, sys platform.Syscalls) *task.Env {
	t.Helper()
	res, err := resolver.New(sys, testRoot, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })
	opts := nativefs.DefaultOptions()
	opts.Logger = quietLogger()
	return &task.Env{
		FS:     nativefs.New(res, opts),
		Logger: quietLogger(),
		TaskID: task.NewID(),
		Owner:  "alice",
	}
}

func newEnv(t *testing.T) (*task.Env, *memfs.FS) {
	t.Helper()
	mem := memfs.New(testRoot)
	return envFor(t, mem), mem
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := task.Encode(v)
	require.NoError(t, err)
	return b
}

// run drives step to a terminal result the way the scheduler does,
// persisting the state of every continued or failed step.
func run(t *testing.T, env *task.Env, step task.StepFunc, payload []byte) (task.Result, []byte, task.Progress) {
	t.Helper()
	prog := task.Progress{ItemsTotal: -1}
	for range 100000 {
		r := step(context.Background(), env, payload)
		prog = prog.Apply(r.Delta)
		if r.State != nil {
			payload = encode(t, r.State)
		}
		if r.Outcome != task.OutcomeContinue {
			return r, payload, prog
		}
		env.Recovering = false
	}
	t.Fatal("task did not finish")
	return task.Result{}, nil, prog
}

func TestRegister(t *testing.T) {
	reg := task.NewRegistry()
	require.NoError(t, Register(reg, Options{}))
	assert.Equal(t, []task.Tag{TagCopy, TagCreateFolder, TagDelete, TagMove, TagTrash}, reg.Tags())
	assert.Error(t, Register(reg, Options{}))
}

func TestCopyTree(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src/sub", 0o755))
	require.NoError(t, mem.WriteFile("src/a.txt", []byte("hello"), 0o644))
	require.NoError(t, mem.WriteFile("src/sub/b.txt", []byte("world"), 0o600))

	r, _, prog := run(t, env, copyStep, encode(t, CopyState{Source: vp("/src"), Destination: vp("/dst")}))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	got, err := mem.ReadFile("dst/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = mem.ReadFile("dst/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
	st, err := mem.Lstat("dst/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), st.Mode&0o7777)

	// Source untouched.
	got, err = mem.ReadFile("src/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, int64(4), prog.ItemsDone)
	assert.Equal(t, int64(4), prog.ItemsTotal)
	assert.Equal(t, int64(10), prog.BytesDone)
}

func TestCopyConflictPolicies(t *testing.T) {
	setup := func(t *testing.T) (*task.Env, *memfs.FS) {
		env, mem := newEnv(t)
		require.NoError(t, mem.MkdirAll("src", 0o755))
		require.NoError(t, mem.MkdirAll("dst", 0o755))
		require.NoError(t, mem.WriteFile("src/a.txt", []byte("new"), 0o644))
		require.NoError(t, mem.WriteFile("src/b.txt", []byte("b"), 0o644))
		require.NoError(t, mem.WriteFile("dst/a.txt", []byte("old"), 0o644))
		return env, mem
	}

	t.Run("fail", func(t *testing.T) {
		env, _ := setup(t)
		r, _, _ := run(t, env, copyStep, encode(t, CopyState{Source: vp("/src"), Destination: vp("/dst")}))
		assert.Equal(t, task.OutcomeFailed, r.Outcome)
		assert.Equal(t, fserr.Conflict, r.Kind)
	})

	t.Run("skip", func(t *testing.T) {
		env, mem := setup(t)
		r, _, _ := run(t, env, copyStep, encode(t, CopyState{
			Source: vp("/src"), Destination: vp("/dst"), Conflict: ConflictSkip,
		}))
		require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
		got, _ := mem.ReadFile("dst/a.txt")
		assert.Equal(t, "old", string(got))
		assert.True(t, mem.Exists("dst/b.txt"))
	})

	t.Run("overwrite", func(t *testing.T) {
		env, mem := setup(t)
		r, _, _ := run(t, env, copyStep, encode(t, CopyState{
			Source: vp("/src"), Destination: vp("/dst"), Conflict: ConflictOverwrite,
		}))
		require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
		got, _ := mem.ReadFile("dst/a.txt")
		assert.Equal(t, "new", string(got))
	})
}

func TestCopyExcludes(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src/cache", 0o755))
	require.NoError(t, mem.WriteFile("src/keep.txt", []byte("k"), 0o644))
	require.NoError(t, mem.WriteFile("src/x.tmp", []byte("t"), 0o644))
	require.NoError(t, mem.WriteFile("src/cache/y", []byte("y"), 0o644))
	require.NoError(t, mem.WriteFile("src/big.bin", make([]byte, 2048), 0o644))

	r, _, _ := run(t, env, copyStep, encode(t, CopyState{
		Source:      vp("/src"),
		Destination: vp("/dst"),
		Rules:       []string{"- *.tmp", "- cache/"},
		MaxSize:     1024,
	}))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	names, err := mem.Names("dst")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, names)
}

func TestCopySymlinkPolicy(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src", 0o755))
	require.NoError(t, mem.Symlink("/etc/passwd", "src/l"))

	r, _, _ := run(t, env, copyStep, encode(t, CopyState{Source: vp("/src"), Destination: vp("/skip")}))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("skip/l"))

	r, _, _ = run(t, env, copyStep, encode(t, CopyState{
		Source: vp("/src"), Destination: vp("/keep"), Symlinks: SymlinksCopy,
	}))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	st, err := mem.Lstat("keep/l")
	require.NoError(t, err)
	assert.Equal(t, platform.Symlink, st.Type)
}

func TestCopyVerify(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src", 0o755))
	require.NoError(t, mem.WriteFile("src/f", bytes.Repeat([]byte("v"), 100_000), 0o644))

	r, _, _ := run(t, env, copyStep, encode(t, CopyState{Source: vp("/src"), Destination: vp("/dst"), Verify: true}))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	got, err := mem.ReadFile("dst/f")
	require.NoError(t, err)
	assert.Len(t, got, 100_000)
}

func TestCopyRecoveringAcceptsOwnCopy(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src", 0o755))
	require.NoError(t, mem.MkdirAll("dst", 0o755))
	require.NoError(t, mem.WriteFile("src/a", []byte("abc"), 0o644))
	require.NoError(t, mem.WriteFile("dst/a", []byte("abc"), 0o644))

	st := CopyState{
		Source:      vp("/src"),
		Destination: vp("/dst"),
		Started:     true,
		Stack:       []CopyItem{{Rel: vp("/a")}},
	}
	r := copyStep(context.Background(), env, encode(t, st))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.Conflict, r.Kind)

	env.Recovering = true
	r = copyStep(context.Background(), env, encode(t, st))
	require.Equal(t, task.OutcomeContinue, r.Outcome, r.Message)
	assert.Equal(t, int64(1), r.Delta.Items)
}

func TestAdmitCopy(t *testing.T) {
	access, err := admitCopy(encode(t, CopyState{Source: vp("/a"), Destination: vp("/b")}))
	require.NoError(t, err)
	assert.Equal(t, []task.Access{
		{Path: vp("/a"), Right: task.RightRead},
		{Path: vp("/b"), Right: task.RightWrite},
	}, access)

	for name, st := range map[string]CopyState{
		"into itself":  {Source: vp("/a"), Destination: vp("/a/b")},
		"root source":  {Source: vp("/"), Destination: vp("/b")},
		"bad policy":   {Source: vp("/a"), Destination: vp("/b"), Conflict: "merge"},
		"bad rule":     {Source: vp("/a"), Destination: vp("/b"), Rules: []string{"- [a-"}},
		"bad symlinks": {Source: vp("/a"), Destination: vp("/b"), Symlinks: "follow"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := admitCopy(encode(t, st))
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestDeleteHundredFiles(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("big", 0o755))
	for i := range 100 {
		require.NoError(t, mem.WriteFile(fmt.Sprintf("big/f%03d", i), []byte("x"), 0o644))
	}

	r, _, prog := run(t, env, deleteStep, encode(t, NewDelete(vp("/big"))))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("big"))
	assert.Equal(t, int64(101), prog.ItemsDone)
	assert.Equal(t, int64(101), prog.ItemsTotal)
}

func TestDeleteDeniedKeepsUnresolvedWorklist(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("d/locked", 0o755))
	require.NoError(t, mem.WriteFile("d/ok1", nil, 0o644))
	require.NoError(t, mem.WriteFile("d/ok2", nil, 0o644))
	require.NoError(t, mem.WriteFile("d/locked/x", nil, 0o644))
	require.NoError(t, mem.WriteFile("d/locked/y", nil, 0o644))
	require.NoError(t, mem.Chmod("d/locked", 0o555))

	r, payload, _ := run(t, env, deleteStep, encode(t, NewDelete(vp("/d"))))
	require.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.PermissionDenied, r.Kind)
	assert.Contains(t, r.Message, "4 entries")
	assert.False(t, mem.Exists("d/ok1"))
	assert.False(t, mem.Exists("d/ok2"))

	var st DeleteState
	require.NoError(t, task.Decode(payload, &st))
	var left []string
	for _, it := range st.Stack {
		left = append(left, it.Path.String())
	}
	assert.ElementsMatch(t, []string{"/d", "/d/locked", "/d/locked/x", "/d/locked/y"}, left)
	assert.Empty(t, st.Blocked)
	assert.Equal(t, "/d", st.Stack[0].Path.String(), "parent deleted last")

	_, err := admitDelete(payload)
	require.NoError(t, err)

	// Resubmission after the permission is fixed, with one entry already gone.
	require.NoError(t, mem.Chmod("d/locked", 0o755))
	require.NoError(t, mem.Remove("d/locked/x"))
	r, _, _ = run(t, env, deleteStep, payload)
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("d"))
}

func TestDeleteTransientFailureKeepsNoState(t *testing.T) {
	mem := memfs.New(testRoot)
	faulty := platform.NewFaulty(mem)
	env := envFor(t, faulty)
	require.NoError(t, mem.WriteFile("f", nil, 0o644))

	faulty.Inject(platform.FailOn(platform.OpUnlinkAt, "f", unix.EAGAIN))
	st := NewDelete(vp("/f"))
	st.Started = true
	st.Stack = []DeleteItem{{Path: vp("/f")}}
	r := deleteStep(context.Background(), env, encode(t, st))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.TransientIO, r.Kind)
	assert.Nil(t, r.State)

	faulty.Reset()
	r, _, _ = run(t, env, deleteStep, encode(t, st))
	assert.Equal(t, task.OutcomeDone, r.Outcome)
	assert.False(t, mem.Exists("f"))
}

func TestDeleteRelistsDirectoryThatGainedEntries(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("d", 0o755))
	require.NoError(t, mem.WriteFile("d/early", nil, 0o644))

	// The first step lists d; a file then lands in it behind the walk.
	r := deleteStep(context.Background(), env, encode(t, NewDelete(vp("/d"))))
	require.Equal(t, task.OutcomeContinue, r.Outcome, r.Message)
	require.NoError(t, mem.WriteFile("d/late", nil, 0o644))

	r, _, prog := run(t, env, deleteStep, encode(t, r.State))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("d"))
	assert.Equal(t, int64(3), prog.ItemsDone, "early, late and d")
}

func TestDeleteNotEmptyRetriesWithFreshListing(t *testing.T) {
	mem := memfs.New(testRoot)
	faulty := platform.NewFaulty(mem)
	env := envFor(t, faulty)
	require.NoError(t, mem.MkdirAll("d", 0o755))
	require.NoError(t, mem.WriteFile("d/early", nil, 0o644))

	// Every attempt to remove d races with a writer adding to it.
	n := 0
	faulty.Inject(func(op platform.Op, name string) error {
		if op == platform.OpUnlinkAt && name == "d" {
			n++
			require.NoError(t, mem.WriteFile(fmt.Sprintf("d/late%d", n), nil, 0o644))
		}
		return nil
	})
	r, payload, _ := run(t, env, deleteStep, encode(t, NewDelete(vp("/d"))))
	require.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.NotEmpty, r.Kind)

	var st DeleteState
	require.NoError(t, task.Decode(payload, &st))
	require.Len(t, st.Stack, 1)
	assert.Equal(t, "/d", st.Stack[0].Path.String())
	assert.False(t, st.Stack[0].Expanded, "set-aside directory is listed again on retry")
	assert.False(t, st.Stack[0].Rescanned)

	faulty.Reset()
	r, _, _ = run(t, env, deleteStep, payload)
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("d"))
}

func TestAdmitDelete(t *testing.T) {
	_, err := admitDelete(encode(t, NewDelete(vp("/"))))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	st := NewDelete(vp("/a"))
	st.Stack = []DeleteItem{{Path: vp("/b/c")}}
	_, err = admitDelete(encode(t, st))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	access, err := admitDelete(encode(t, NewDelete(vp("/a"))))
	require.NoError(t, err)
	assert.Equal(t, []task.Access{{Path: vp("/a"), Right: task.RightDelete}}, access)
}

func TestMoveSameDevice(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("a", 0o755))
	require.NoError(t, mem.MkdirAll("b", 0o755))
	require.NoError(t, mem.WriteFile("a/f", []byte("data"), 0o644))
	before, err := mem.Lstat("a/f")
	require.NoError(t, err)

	r, _, prog := run(t, env, moveStep, encode(t, NewMove(vp("/a/f"), vp("/b/f"))))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	after, err := mem.Lstat("b/f")
	require.NoError(t, err)
	assert.Equal(t, before.Ino, after.Ino)
	assert.False(t, mem.Exists("a/f"))
	assert.Equal(t, int64(1), prog.ItemsDone)
}

func TestMoveCrossDevice(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("src/sub", 0o755))
	require.NoError(t, mem.MkdirAll("other", 0o755))
	require.NoError(t, mem.Mount("other"))
	require.NoError(t, mem.WriteFile("src/a", []byte("aaa"), 0o644))
	require.NoError(t, mem.WriteFile("src/sub/b", []byte("bb"), 0o644))
	require.NoError(t, mem.Symlink("a", "src/l"))

	r, _, prog := run(t, env, moveStep, encode(t, NewMove(vp("/src"), vp("/other/dst"))))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	assert.False(t, mem.Exists("src"))
	got, err := mem.ReadFile("other/dst/a")
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(got))
	got, err = mem.ReadFile("other/dst/sub/b")
	require.NoError(t, err)
	assert.Equal(t, "bb", string(got))
	st, err := mem.Lstat("other/dst/l")
	require.NoError(t, err)
	assert.Equal(t, platform.Symlink, st.Type)
	assert.Equal(t, int64(5), prog.BytesDone)
}

// stepUntil runs step until the persisted state satisfies stop, returning
// the payload committed just before the stopping step and the one after.
func stepUntil(t *testing.T, env *task.Env, step task.StepFunc, payload []byte, prog *task.Progress, stop func([]byte) bool) (before, after []byte) {
	t.Helper()
	for range 1000 {
		r := step(context.Background(), env, payload)
		require.Equal(t, task.OutcomeContinue, r.Outcome, r.Message)
		*prog = prog.Apply(r.Delta)
		next := encode(t, r.State)
		if stop(next) {
			return payload, next
		}
		payload = next
	}
	t.Fatal("condition never reached")
	return nil, nil
}

func crossDeviceTree(t *testing.T, mem *memfs.FS) {
	t.Helper()
	require.NoError(t, mem.MkdirAll("src/sub", 0o755))
	require.NoError(t, mem.MkdirAll("other", 0o755))
	require.NoError(t, mem.Mount("other"))
	require.NoError(t, mem.WriteFile("src/a", []byte("aaa"), 0o644))
	require.NoError(t, mem.WriteFile("src/sub/b", []byte("bb"), 0o644))
}

func TestMoveCrossDeviceResumesInDeletePhase(t *testing.T) {
	env, mem := newEnv(t)
	crossDeviceTree(t, mem)

	prog := task.Progress{ItemsTotal: -1}
	inDelete := func(p []byte) bool {
		var st MoveState
		require.NoError(t, task.Decode(p, &st))
		return st.Phase == PhaseDelete
	}
	_, copied := stepUntil(t, env, moveStep, encode(t, NewMove(vp("/src"), vp("/other/dst"))), &prog, inDelete)
	assert.Equal(t, int64(5), prog.BytesDone)

	inodes := map[string]uint64{}
	for _, p := range []string{"other/dst/a", "other/dst/sub/b"} {
		st, err := mem.Lstat(p)
		require.NoError(t, err)
		inodes[p] = st.Ino
	}

	// Part of the source goes before the holder dies without committing.
	after := copied
	for range 2 {
		r := moveStep(context.Background(), env, after)
		require.Equal(t, task.OutcomeContinue, r.Outcome, r.Message)
		after = encode(t, r.State)
	}

	env.Recovering = true
	r, _, rest := run(t, env, moveStep, copied)
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	prog = prog.Apply(task.Delta{Items: rest.ItemsDone, Bytes: rest.BytesDone})

	assert.False(t, mem.Exists("src"))
	assert.Equal(t, int64(5), prog.BytesDone, "bytes are counted by the copy only")
	for p, ino := range inodes {
		st, err := mem.Lstat(p)
		require.NoError(t, err)
		assert.Equal(t, ino, st.Ino, "%s was copied again", p)
	}
}

func TestMoveCrossDeviceRecoversMidCopy(t *testing.T) {
	env, mem := newEnv(t)
	crossDeviceTree(t, mem)

	prog := task.Progress{ItemsTotal: -1}
	copiedA := func([]byte) bool { return mem.Exists("other/dst/a") }
	stale, _ := stepUntil(t, env, moveStep, encode(t, NewMove(vp("/src"), vp("/other/dst"))), &prog, copiedA)

	// Without the recovery flag the landed file is a conflict.
	r := moveStep(context.Background(), env, stale)
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.Conflict, r.Kind)

	env.Recovering = true
	r, _, _ = run(t, env, moveStep, stale)
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	assert.False(t, mem.Exists("src"))
	got, err := mem.ReadFile("other/dst/a")
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(got))
	got, err = mem.ReadFile("other/dst/sub/b")
	require.NoError(t, err)
	assert.Equal(t, "bb", string(got))
}

func TestMoveResumesAfterLandedRename(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.WriteFile("a", nil, 0o644))
	require.NoError(t, env.FS.RenameOrMove(vp("/a"), vp("/b")))

	payload := encode(t, NewMove(vp("/a"), vp("/b")))
	r := moveStep(context.Background(), env, payload)
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.NotFound, r.Kind)

	env.Recovering = true
	r = moveStep(context.Background(), env, payload)
	assert.Equal(t, task.OutcomeDone, r.Outcome)
	assert.True(t, mem.Exists("b"))
}

func TestMoveConflict(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.WriteFile("a", []byte("a"), 0o644))
	require.NoError(t, mem.WriteFile("b", []byte("b"), 0o644))

	r, _, _ := run(t, env, moveStep, encode(t, NewMove(vp("/a"), vp("/b"))))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.Conflict, r.Kind)
	got, _ := mem.ReadFile("b")
	assert.Equal(t, "b", string(got))
}

func TestAdmitMove(t *testing.T) {
	access, err := admitMove(encode(t, NewMove(vp("/a"), vp("/b"))))
	require.NoError(t, err)
	assert.Equal(t, []task.Access{
		{Path: vp("/a"), Right: task.RightDelete},
		{Path: vp("/b"), Right: task.RightWrite},
	}, access)

	_, err = admitMove(encode(t, NewMove(vp("/a"), vp("/a/b"))))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = admitMove(encode(t, MoveState{Source: vp("/a"), Destination: vp("/b"), Phase: PhaseCopy}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTrashName(t *testing.T) {
	tests := []struct {
		base string
		n    int
		want string
	}{
		{"report.pdf", 0, "report.pdf"},
		{"report.pdf", 1, "report (1).pdf"},
		{"archive.tar.gz", 2, "archive.tar (2).gz"},
		{".bashrc", 1, ".bashrc (1)"},
		{"notes", 3, "notes (3)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trashName(tt.base, tt.n))
	}
}

func TestTrash(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("alice/.trash", 0o700))
	require.NoError(t, mem.WriteFile("alice/report.pdf", []byte("pdf"), 0o644))
	require.NoError(t, mem.WriteFile("alice/.trash/report.pdf", []byte("older"), 0o644))

	deletedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	env.Clock = func() time.Time { return deletedAt }

	step := trashStepFunc(Options{TrashTemplate: DefaultTrashTemplate})
	r, _, _ := run(t, env, step, encode(t, NewTrash(vp("/alice/report.pdf"))))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	assert.False(t, mem.Exists("alice/report.pdf"))
	got, err := mem.ReadFile("alice/.trash/report (1).pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(got))
	origin, err := mem.Xattr("alice/.trash/report (1).pdf", "user.drivefs."+string(nativefs.KeyTrashOrigin))
	require.NoError(t, err)
	assert.Equal(t, "/alice/report.pdf", string(origin))
	stamp, err := mem.Xattr("alice/.trash/report (1).pdf", "user.drivefs."+string(nativefs.KeyTrashDeletedAt))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T08:26:53Z", string(stamp))
}

func TestTrashCreatesTrashDirectory(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("projects/alice", 0o755))
	require.NoError(t, mem.MkdirAll("projects/alice/old", 0o755))

	step := trashStepFunc(Options{TrashTemplate: "trash/{owner}", DirMode: 0o700})
	r, _, _ := run(t, env, step, encode(t, NewTrash(vp("/projects/alice/old"))))
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	st, err := mem.Lstat("trash/alice/old")
	require.NoError(t, err)
	assert.Equal(t, platform.Dir, st.Type)
	st, err = mem.Lstat("trash/alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o700), st.Mode&0o7777)
}

func TestTrashRejectsTrashContents(t *testing.T) {
	env, mem := newEnv(t)
	require.NoError(t, mem.MkdirAll("alice/.trash/x", 0o755))

	step := trashStepFunc(Options{TrashTemplate: DefaultTrashTemplate})
	r, _, _ := run(t, env, step, encode(t, NewTrash(vp("/alice/.trash/x"))))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.Fatal, r.Kind)

	r, _, _ = run(t, env, step, encode(t, NewTrash(vp("/alice"))))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.True(t, mem.Exists("alice/.trash/x"))
}

func TestCreateFolder(t *testing.T) {
	env, mem := newEnv(t)
	payload := encode(t, CreateFolderRequest{Path: vp("/alice/docs/new"), Mode: 0o750, Parents: true})

	r := createFolderStep(context.Background(), env, payload)
	require.Equal(t, task.OutcomeDone, r.Outcome, r.Message)
	st, err := mem.Lstat("alice/docs/new")
	require.NoError(t, err)
	assert.Equal(t, platform.Dir, st.Type)
	assert.Equal(t, uint32(0o750), st.Mode&0o7777)

	// A rerun after an uncommitted success is accepted.
	r = createFolderStep(context.Background(), env, payload)
	assert.Equal(t, task.OutcomeDone, r.Outcome, r.Message)

	require.NoError(t, mem.WriteFile("alice/docs/new/f", nil, 0o644))
	r = createFolderStep(context.Background(), env, payload)
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.AlreadyExists, r.Kind)
}

func TestCreateFolderWithoutParents(t *testing.T) {
	env, _ := newEnv(t)
	r := createFolderStep(context.Background(), env, encode(t, CreateFolderRequest{Path: vp("/missing/new")}))
	assert.Equal(t, task.OutcomeFailed, r.Outcome)
	assert.Equal(t, fserr.NotFound, r.Kind)

	_, err := admitCreateFolder(encode(t, CreateFolderRequest{Path: vp("/")}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
