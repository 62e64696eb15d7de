package task

import (
	"context"
	"time"

	"github.com/bamsammich/drivefs/internal/fserr"
)

// Claim is a descriptor a worker just leased.
type Claim struct {
	Descriptor
	// Recovering is true when the previous holder's lease expired while
	// the task was RUNNING.
	Recovering bool
}

// Update is the outcome a lease holder commits. Status RUNNING keeps the
// lease; any other status releases it.
type Update struct {
	Status       Status
	Payload      []byte // nil keeps the stored payload
	Progress     Progress
	ErrorMessage string
	Attempts     int
	ErrorKind    fserr.Kind
}

// Filter narrows List.
type Filter struct {
	Owner  string
	Status []Status
	Limit  int
}

// Store persists descriptors. Every mutation after Create touches a single
// row; lease-holder mutations check the token and fail with ErrLeaseLost when
// it no longer matches.
type Store interface {
	Create(ctx context.Context, d Descriptor) error
	Get(ctx context.Context, id ID) (Descriptor, error)
	List(ctx context.Context, f Filter) ([]Descriptor, error)

	// Claim leases the eligible task that has waited longest: PENDING,
	// PAUSED, or RUNNING with an expired lease. It returns nil when none is
	// eligible.
	Claim(ctx context.Context, worker, token string, now time.Time, ttl time.Duration) (*Claim, error)
	Renew(ctx context.Context, id ID, token string, expiry time.Time) error
	Commit(ctx context.Context, id ID, token string, u Update, now time.Time) error

	RequestCancel(ctx context.Context, id ID) error
	Ack(ctx context.Context, id ID) error
	// Purge deletes acknowledged terminal tasks last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
