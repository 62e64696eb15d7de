// Package filter decides which entries of a copied tree are skipped. Rules
// are rsync-style globs evaluated first-match-wins, plus optional size
// bounds for regular files.
package filter

import "fmt"

// Chain holds an ordered list of rules plus size bounds. The zero value and
// a nil *Chain keep everything.
type Chain struct {
	rules       []Rule
	floor, ceil int64
}

func NewChain() *Chain { return &Chain{} }

// Compile builds a chain from rule lines, as produced by Rules.
func Compile(lines []string) (*Chain, error) {
	c := NewChain()
	for i, line := range lines {
		r, err := ParseRule(line)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

func (c *Chain) AddExclude(pattern string) error { return c.add(pattern, false) }

func (c *Chain) AddInclude(pattern string) error { return c.add(pattern, true) }

func (c *Chain) add(pattern string, include bool) error {
	r, err := newRule(pattern, include)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, r)
	return nil
}

// SetMinSize skips regular files smaller than n bytes.
func (c *Chain) SetMinSize(n int64) { c.floor = n }

// SetMaxSize skips regular files larger than n bytes.
func (c *Chain) SetMaxSize(n int64) { c.ceil = n }

func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.floor == 0 && c.ceil == 0)
}

// Rules returns the rule lines in evaluation order.
func (c *Chain) Rules() []string {
	lines := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		lines = append(lines, r.String())
	}
	return lines
}

// Match reports whether rel, a slash-separated path relative to the copy
// root, is kept. Size bounds apply to files only.
func (c *Chain) Match(rel string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}
	if !isDir && c.outOfBounds(size) {
		return false
	}
	for _, r := range c.rules {
		if r.matches(rel, isDir) {
			return r.Include
		}
	}
	return true
}

func (c *Chain) outOfBounds(size int64) bool {
	return (c.floor > 0 && size < c.floor) || (c.ceil > 0 && size > c.ceil)
}
