package filter

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule is one include or exclude glob. A pattern with a slash anywhere but
// the end is anchored at the copy root; otherwise it matches a base name at
// any depth. A trailing slash restricts the rule to directories.
type Rule struct {
	Include bool

	text    string
	glob    string
	dirOnly bool
}

// ParseRule reads one rule line. "+ pat" includes, "- pat" and a bare
// pattern exclude.
func ParseRule(line string) (Rule, error) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "+ "); ok {
		return newRule(strings.TrimSpace(rest), true)
	}
	if rest, ok := strings.CutPrefix(line, "- "); ok {
		return newRule(strings.TrimSpace(rest), false)
	}
	return newRule(line, false)
}

func newRule(pattern string, include bool) (Rule, error) {
	r := Rule{Include: include, text: pattern}

	p, dirOnly := strings.CutSuffix(pattern, "/")
	r.dirOnly = dirOnly
	p, rooted := strings.CutPrefix(p, "/")
	if p == "" {
		return Rule{}, fmt.Errorf("empty pattern %q", pattern)
	}
	if rooted || strings.Contains(p, "/") {
		r.glob = p
	} else {
		r.glob = "**/" + p
	}
	if !doublestar.ValidatePattern(r.glob) {
		return Rule{}, fmt.Errorf("invalid pattern %q", pattern)
	}
	return r, nil
}

// String renders the rule as a line ParseRule reads back.
func (r Rule) String() string {
	if r.Include {
		return "+ " + r.text
	}
	return "- " + r.text
}

func (r Rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	ok, err := doublestar.Match(r.glob, rel)
	return ok && err == nil
}
