// Package task defines the durable task model: descriptors, their status
// state machine, step results, the tag-to-step registry, and the Store
// contract the scheduler persists them through.
package task

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bamsammich/drivefs/internal/fserr"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("task not found")
	ErrLeaseLost         = errors.New("task lease lost")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// ID uniquely identifies a task. IDs are ULIDs, so they sort by creation
// time.
type ID string

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID-based ID.
func NewID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// ParseID validates s as a task ID.
func ParseID(s string) (ID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", fmt.Errorf("parse task id %q: %w", s, err)
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }

// Tag names a registered task implementation.
type Tag string

// Status is a task's lifecycle state.
type Status string

const (
	Pending  Status = "PENDING"
	Running  Status = "RUNNING"
	Paused   Status = "PAUSED"
	Failed   Status = "FAILED"
	Complete Status = "COMPLETE"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Failed || s == Complete
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case Pending, Running, Paused, Failed, Complete:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. RUNNING -> RUNNING is
// a reclaim of an expired lease.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending, Paused:
		return to == Running
	case Running:
		return to == Running || to == Paused || to == Failed || to == Complete
	}
	return false
}

// Progress counts the work a task has done. ItemsTotal is -1 while unknown.
type Progress struct {
	ItemsDone  int64 `json:"items_done"`
	BytesDone  int64 `json:"bytes_done"`
	ItemsTotal int64 `json:"items_total"`
}

// Delta is the progress made by one step. Items found grows the known total.
type Delta struct {
	Items      int64 `json:"items"`
	Bytes      int64 `json:"bytes"`
	ItemsFound int64 `json:"items_found"`
}

// IsZero reports whether d records no progress.
func (d Delta) IsZero() bool {
	return d.Items == 0 && d.Bytes == 0 && d.ItemsFound == 0
}

// Add merges two deltas.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Items:      d.Items + o.Items,
		Bytes:      d.Bytes + o.Bytes,
		ItemsFound: d.ItemsFound + o.ItemsFound,
	}
}

// Apply returns p advanced by d. Counters never decrease; negative deltas
// are ignored.
func (p Progress) Apply(d Delta) Progress {
	if d.Items > 0 {
		p.ItemsDone += d.Items
	}
	if d.Bytes > 0 {
		p.BytesDone += d.Bytes
	}
	if d.ItemsFound > 0 {
		if p.ItemsTotal < 0 {
			p.ItemsTotal = 0
		}
		p.ItemsTotal += d.ItemsFound
	}
	return p
}

// Lease is a worker's time-bounded exclusive claim on a RUNNING task.
type Lease struct {
	Expiry time.Time
	Owner  string
	Token  string
}

// Expired reports whether the lease is no longer held at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expiry)
}

// Descriptor is the persisted record of one task.
type Descriptor struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Lease           Lease
	ID              ID
	Type            Tag
	Owner           string
	Status          Status
	ErrorMessage    string
	Payload         []byte
	Progress        Progress
	Attempts        int
	ErrorKind       fserr.Kind
	CancelRequested bool
	Acked           bool
}

// New returns a PENDING descriptor with a fresh ID.
func New(tag Tag, owner string, payload []byte, now time.Time) Descriptor {
	return Descriptor{
		ID:        NewID(),
		Type:      tag,
		Owner:     owner,
		Status:    Pending,
		Payload:   payload,
		Progress:  Progress{ItemsTotal: -1},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
