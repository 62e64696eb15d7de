// Package collab declares the external collaborators the task engine talks
// to and ships the default implementations used when none is configured.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// Tracker receives task progress notifications. Implementations may fail;
// the engine logs the error and carries on.
type Tracker interface {
	AddUpdate(ctx context.Context, id task.ID, delta task.Delta) error
	MarkComplete(ctx context.Context, id task.ID) error
}

// Decision is a permission verdict.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// PermissionChecker decides whether principal holds right on path.
type PermissionChecker interface {
	CheckAccess(ctx context.Context, principal string, path resolver.VirtualPath, right task.Right) (Decision, error)
}

// LogTracker writes notifications to a logger.
type LogTracker struct {
	Logger *slog.Logger
}

var _ Tracker = (*LogTracker)(nil)

func (t *LogTracker) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *LogTracker) AddUpdate(ctx context.Context, id task.ID, delta task.Delta) error {
	t.logger().DebugContext(ctx, "task progress",
		"task", id, "items", delta.Items, "bytes", delta.Bytes, "found", delta.ItemsFound)
	return nil
}

func (t *LogTracker) MarkComplete(ctx context.Context, id task.ID) error {
	t.logger().InfoContext(ctx, "task complete", "task", id)
	return nil
}

// AllowAll grants every request.
type AllowAll struct{}

var _ PermissionChecker = AllowAll{}

func (AllowAll) CheckAccess(context.Context, string, resolver.VirtualPath, task.Right) (Decision, error) {
	return Allowed, nil
}

// HomeScope confines each principal to its home directory. Template names
// the home relative to the drive root with "{owner}" standing for the
// principal, e.g. "home/{owner}" or "{owner}".
type HomeScope struct {
	Template string
}

var _ PermissionChecker = HomeScope{}

// Home returns the home directory of principal.
func (h HomeScope) Home(principal string) (resolver.VirtualPath, error) {
	if principal == "" || strings.ContainsAny(principal, "/\x00") || principal == "." || principal == ".." {
		return nil, fmt.Errorf("invalid principal %q", principal)
	}
	tmpl := h.Template
	if tmpl == "" {
		tmpl = "{owner}"
	}
	return resolver.ParsePath(strings.ReplaceAll(tmpl, "{owner}", principal))
}

func (h HomeScope) CheckAccess(_ context.Context, principal string, path resolver.VirtualPath, right task.Right) (Decision, error) {
	home, err := h.Home(principal)
	if err != nil {
		return Denied, nil
	}
	// The home directory itself may be read but not removed or replaced.
	if path.Equal(home) && right != task.RightRead {
		return Denied, nil
	}
	if path.HasPrefix(home) {
		return Allowed, nil
	}
	return Denied, nil
}
