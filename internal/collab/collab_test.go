package collab

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

func TestHomeScope(t *testing.T) {
	h := HomeScope{Template: "home/{owner}"}
	ctx := context.Background()

	home, err := h.Home("alice")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", home.String())

	tests := []struct {
		name  string
		path  string
		right task.Right
		want  Decision
	}{
		{"inside", "/home/alice/docs/a.txt", task.RightDelete, Allowed},
		{"home read", "/home/alice", task.RightRead, Allowed},
		{"home delete", "/home/alice", task.RightDelete, Denied},
		{"neighbour", "/home/bob/a.txt", task.RightRead, Denied},
		{"prefix lookalike", "/home/alicex/a.txt", task.RightRead, Denied},
		{"root", "/", task.RightRead, Denied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.CheckAccess(ctx, "alice", resolver.MustParse(tt.path), tt.right)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "..", "a/b"} {
		got, err := h.CheckAccess(ctx, bad, resolver.MustParse("/x"), task.RightRead)
		require.NoError(t, err)
		assert.Equal(t, Denied, got, "principal %q", bad)
	}
}

func TestHomeScopeDefaultTemplate(t *testing.T) {
	home, err := HomeScope{}.Home("carol")
	require.NoError(t, err)
	assert.Equal(t, "/carol", home.String())
}

func TestAllowAll(t *testing.T) {
	d, err := AllowAll{}.CheckAccess(context.Background(), "anyone", resolver.MustParse("/"), task.RightDelete)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)
	assert.Equal(t, "allowed", d.String())
	assert.Equal(t, "denied", Denied.String())
}

func TestLogTracker(t *testing.T) {
	var buf bytes.Buffer
	tr := &LogTracker{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	id := task.NewID()

	require.NoError(t, tr.AddUpdate(context.Background(), id, task.Delta{Items: 2, Bytes: 10}))
	require.NoError(t, tr.MarkComplete(context.Background(), id))

	out := buf.String()
	assert.Contains(t, out, "task progress")
	assert.Contains(t, out, "items=2")
	assert.Contains(t, out, "task complete")
	assert.Contains(t, out, string(id))
}
