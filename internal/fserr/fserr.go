// Package fserr defines the closed error taxonomy surfaced by the native
// filesystem layer. Every error leaving nativefs or the resolver carries
// exactly one Kind so task implementations can branch on meaning rather than
// on raw errno values.
package fserr

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a filesystem failure.
type Kind int

const (
	Fatal Kind = iota
	NotFound
	AlreadyExists
	PermissionDenied
	NotADirectory
	NotEmpty
	OutsideRoot
	CrossDevice
	TransientIO
)

// Conflict is the name copy and rename callers use for AlreadyExists.
const Conflict = AlreadyExists

var kindNames = [...]string{
	Fatal:            "Fatal",
	NotFound:         "NotFound",
	AlreadyExists:    "AlreadyExists",
	PermissionDenied: "PermissionDenied",
	NotADirectory:    "NotADirectory",
	NotEmpty:         "NotEmpty",
	OutsideRoot:      "OutsideRoot",
	CrossDevice:      "CrossDevice",
	TransientIO:      "TransientIO",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// ParseKind is the inverse of Kind.String. Unknown names map to Fatal.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return Kind(k)
		}
	}
	return Fatal
}

// Transient reports whether the scheduler may retry a step that failed with
// this kind.
func (k Kind) Transient() bool {
	return k == TransientIO
}

// Error is a classified filesystem error.
type Error struct {
	Err  error
	Op   string
	Path string
	Kind Kind
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil && e.Path == "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	case e.Path == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fserr.ErrNotFound)
// works regardless of op, path, or underlying errno.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = &Error{Kind: NotFound}
	ErrAlreadyExists    = &Error{Kind: AlreadyExists}
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrNotADirectory    = &Error{Kind: NotADirectory}
	ErrNotEmpty         = &Error{Kind: NotEmpty}
	ErrOutsideRoot      = &Error{Kind: OutsideRoot}
	ErrCrossDevice      = &Error{Kind: CrossDevice}
	ErrTransientIO      = &Error{Kind: TransientIO}
	ErrFatal            = &Error{Kind: Fatal}
)

// New returns a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Wrap classifies err using the generic errno table and attaches op and path.
// An err that is already classified keeps its kind. Wrap(nil) is nil.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Op: op, Path: path, Err: err}
	}
	return &Error{Kind: FromErrno(err), Op: op, Path: path, Err: err}
}

// KindOf classifies any error. Unclassified errors are Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return Fatal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FromErrno(err)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromErrno maps an OS error to a Kind. It unwraps *os.PathError and similar
// wrappers via errors.As.
func FromErrno(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Fatal
	}
	switch errno {
	case syscall.ENOENT, syscall.ENODATA:
		return NotFound
	case syscall.EEXIST:
		return AlreadyExists
	case syscall.EACCES, syscall.EPERM, syscall.EROFS:
		return PermissionDenied
	case syscall.ENOTDIR:
		return NotADirectory
	case syscall.ENOTEMPTY:
		return NotEmpty
	case syscall.EXDEV:
		return CrossDevice
	case syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.ETIMEDOUT:
		return TransientIO
	default:
		return Fatal
	}
}
