package task

import (
	"github.com/bamsammich/drivefs/internal/fserr"
)

// Outcome discriminates a step Result.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeDone
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what one step returns to the scheduler.
//
// State, when non-nil, replaces the persisted payload. A Failed result may
// carry State so partial progress is kept with the terminal record.
type Result struct {
	State   any
	Message string
	Delta   Delta
	Outcome Outcome
	Kind    fserr.Kind
}

// Continue asks for another step with the updated state.
func Continue(state any, d Delta) Result {
	return Result{Outcome: OutcomeContinue, State: state, Delta: d}
}

// Done completes the task.
func Done(d Delta) Result {
	return Result{Outcome: OutcomeDone, Delta: d}
}

// Fail ends the task with an error kind and message.
func Fail(kind fserr.Kind, message string) Result {
	return Result{Outcome: OutcomeFailed, Kind: kind, Message: message}
}

// FailWith is Fail that also persists state and the step's progress.
func FailWith(state any, d Delta, kind fserr.Kind, message string) Result {
	return Result{Outcome: OutcomeFailed, State: state, Delta: d, Kind: kind, Message: message}
}

// FailErr classifies err and fails with it.
func FailErr(err error) Result {
	return Fail(fserr.KindOf(err), err.Error())
}
