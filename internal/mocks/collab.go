// Package mocks provides testify mocks of the engine's collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bamsammich/drivefs/internal/collab"
	"github.com/bamsammich/drivefs/internal/resolver"
	"github.com/bamsammich/drivefs/internal/task"
)

// Tracker implements collab.Tracker for testing across packages.
type Tracker struct {
	mock.Mock
}

func (m *Tracker) AddUpdate(ctx context.Context, id task.ID, delta task.Delta) error {
	args := m.Called(ctx, id, delta)
	return args.Error(0)
}

func (m *Tracker) MarkComplete(ctx context.Context, id task.ID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

var _ collab.Tracker = (*Tracker)(nil)

// PermissionChecker implements collab.PermissionChecker for testing across
// packages.
type PermissionChecker struct {
	mock.Mock
}

func (m *PermissionChecker) CheckAccess(ctx context.Context, principal string, path resolver.VirtualPath, right task.Right) (collab.Decision, error) {
	args := m.Called(ctx, principal, path, right)

	// Handle function return types (for path-dependent decisions)
	if fn, ok := args.Get(0).(func(resolver.VirtualPath, task.Right) collab.Decision); ok {
		return fn(path, right), args.Error(1)
	}
	return args.Get(0).(collab.Decision), args.Error(1)
}

var _ collab.PermissionChecker = (*PermissionChecker)(nil)
