package resolver

import (
	"strings"

	"github.com/bamsammich/drivefs/internal/fserr"
)

// VirtualPath is a tenant-visible path as a sequence of components relative
// to the pinned root. The empty VirtualPath names the root itself. Values are
// only produced by ParsePath and Join, so every component is a plain name.
type VirtualPath []string

// ParsePath splits a slash-separated path. A single leading or trailing slash
// is accepted; empty components, ".", "..", and NUL bytes are rejected as
// OutsideRoot before any syscall runs.
func ParsePath(s string) (VirtualPath, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(s, "/"), "/")
	if trimmed == "" {
		return VirtualPath{}, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if err := checkComponent(p); err != nil {
			return nil, fserr.New(fserr.OutsideRoot, "parse", s, err)
		}
	}
	return VirtualPath(parts), nil
}

// MustParse is ParsePath for constant paths in tests and defaults.
func MustParse(s string) VirtualPath {
	vp, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return vp
}

type componentError string

func (e componentError) Error() string { return string(e) }

const (
	errEmptyComponent componentError = "empty path component"
	errDotComponent   componentError = "relative path component"
	errBadByte        componentError = "path component contains a slash or NUL"
)

func checkComponent(c string) error {
	switch {
	case c == "":
		return errEmptyComponent
	case c == "." || c == "..":
		return errDotComponent
	case strings.ContainsAny(c, "/\x00"):
		return errBadByte
	}
	return nil
}

// Join appends a single validated name.
func (p VirtualPath) Join(name string) (VirtualPath, error) {
	if err := checkComponent(name); err != nil {
		return nil, fserr.New(fserr.OutsideRoot, "join", p.String()+"/"+name, err)
	}
	out := make(VirtualPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, name), nil
}

// Child is Join for names read back from a directory listing, which the
// kernel guarantees are valid components.
func (p VirtualPath) Child(name string) VirtualPath {
	out := make(VirtualPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

// IsRoot reports whether p names the pinned root.
func (p VirtualPath) IsRoot() bool { return len(p) == 0 }

// Parent returns p without its last component. The root is its own parent.
func (p VirtualPath) Parent() VirtualPath {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1:len(p)-1]
}

// Base returns the last component, or "" for the root.
func (p VirtualPath) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// HasPrefix reports whether p equals prefix or lies beneath it.
func (p VirtualPath) HasPrefix(prefix VirtualPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports component-wise equality.
func (p VirtualPath) Equal(o VirtualPath) bool {
	return len(p) == len(o) && p.HasPrefix(o)
}

// String renders p with a leading slash.
func (p VirtualPath) String() string {
	return "/" + strings.Join(p, "/")
}

// MarshalText lets VirtualPath travel inside JSON task payloads as a string.
func (p VirtualPath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses with ParsePath rules.
func (p *VirtualPath) UnmarshalText(b []byte) error {
	vp, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = vp
	return nil
}
