package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadRules loads a rule file: one rule per line, blank lines and lines
// starting with # skipped. Every rule is validated; the lines come back
// as written so they can travel in a task payload.
func ReadRules(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if _, err := ParseRule(line); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read filter file: %w", err)
	}
	return lines, nil
}
