package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "TaskSubmitted", typ: TaskSubmitted},
		{want: "TaskClaimed", typ: TaskClaimed},
		{want: "TaskProgress", typ: TaskProgress},
		{want: "TaskYielded", typ: TaskYielded},
		{want: "TaskRetrying", typ: TaskRetrying},
		{want: "TaskCompleted", typ: TaskCompleted},
		{want: "TaskFailed", typ: TaskFailed},
		{want: "TaskCanceled", typ: TaskCanceled},
		{want: "LeaseLost", typ: LeaseLost},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCanceled.Terminal())
	assert.False(t, TaskYielded.Terminal())
	assert.False(t, LeaseLost.Terminal())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.TaskID)
	assert.Zero(t, e.Items)
	assert.Zero(t, e.Bytes)
	require.NoError(t, e.Error)
	assert.Zero(t, e.WorkerID)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:      TaskFailed,
		Timestamp: now,
		TaskID:    "01J0000000000000000000000",
		Tag:       "copy",
		Items:     12,
		Bytes:     1024,
		Error:     errors.New("boom"),
		WorkerID:  3,
	}
	assert.Equal(t, TaskFailed, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "copy", e.Tag)
	assert.Equal(t, int64(1024), e.Bytes)
	assert.EqualError(t, e.Error, "boom")
	assert.Equal(t, 3, e.WorkerID)

	assert.NotPanics(t, func() { Discard(e) })
}
