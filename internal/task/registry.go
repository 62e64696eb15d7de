package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/resolver"
)

// Right is the kind of access a task needs on a path.
type Right string

const (
	RightRead   Right = "read"
	RightWrite  Right = "write"
	RightDelete Right = "delete"
)

// Access is one permission a submission must be granted.
type Access struct {
	Path  resolver.VirtualPath
	Right Right
}

// Env is what a step may use besides its payload.
type Env struct {
	FS     *nativefs.FS
	Logger *slog.Logger
	// Report records bytes copied inside a long step so the scheduler can
	// keep the lease alive. It may be nil.
	Report nativefs.ProgressFunc
	TaskID ID
	Owner  string
	// Recovering is set on the first step after reclaiming an expired lease.
	// That step may find its own effects already applied.
	Recovering bool
	// Clock supplies timestamps recorded in payloads. Nil means time.Now.
	Clock func() time.Time
}

// Now returns the current time from Clock.
func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Progress forwards n copied bytes to Report.
func (e *Env) Progress(n int64) {
	if e.Report != nil {
		e.Report(n)
	}
}

// StepFunc advances a task by one bounded unit of work.
type StepFunc func(ctx context.Context, env *Env, payload []byte) Result

// AdmitFunc validates a new payload and lists the access it requires.
type AdmitFunc func(payload []byte) ([]Access, error)

// Definition binds a tag to its implementation.
type Definition struct {
	Step  StepFunc
	Admit AdmitFunc
	Tag   Tag
}

// Registry maps tags to definitions. It is safe for concurrent lookups once
// registration is finished.
type Registry struct {
	mu   sync.RWMutex
	defs map[Tag]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Tag]Definition)}
}

// Register adds d. Registering a tag twice is an error.
func (r *Registry) Register(d Definition) error {
	if d.Tag == "" || d.Step == nil {
		return fmt.Errorf("register task: incomplete definition %q", d.Tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Tag]; ok {
		return fmt.Errorf("register task: duplicate tag %q", d.Tag)
	}
	r.defs[d.Tag] = d
	return nil
}

// Lookup returns the definition for tag.
func (r *Registry) Lookup(tag Tag) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[tag]
	return d, ok
}

// Tags lists registered tags in order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Tag, 0, len(r.defs))
	for t := range r.defs {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
