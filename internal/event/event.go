package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	TaskSubmitted Type = iota + 1
	TaskClaimed
	TaskProgress
	TaskYielded
	TaskRetrying
	TaskCompleted
	TaskFailed
	TaskCanceled
	LeaseLost
)

var typeNames = [...]string{
	TaskSubmitted: "TaskSubmitted",
	TaskClaimed:   "TaskClaimed",
	TaskProgress:  "TaskProgress",
	TaskYielded:   "TaskYielded",
	TaskRetrying:  "TaskRetrying",
	TaskCompleted: "TaskCompleted",
	TaskFailed:    "TaskFailed",
	TaskCanceled:  "TaskCanceled",
	LeaseLost:     "LeaseLost",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Terminal reports whether the event ends a task.
func (t Type) Terminal() bool {
	return t == TaskCompleted || t == TaskFailed || t == TaskCanceled
}

// Event is a single lifecycle notification from the scheduler.
type Event struct {
	Type      Type
	Timestamp time.Time
	TaskID    string
	Tag       string
	Items     int64 // items finished by the step, or the task total when terminal
	Bytes     int64
	Error     error
	WorkerID  int
	Recovery  bool // the claim took over an expired lease
}

// Sink receives events. It must not block.
type Sink func(Event)

// Discard is a Sink that drops everything.
func Discard(Event) {}
