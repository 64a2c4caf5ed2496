// Package pattern evaluates ordered lists of positive and negative glob
// patterns against filenames.
package pattern

import (
	"path"
	"strings"
)

// Match reports whether filename matches the pattern list.
//
// Patterns are shell-style globs ("*", "?", character classes). A leading
// "!" negates a pattern: its tail is the glob, and a hit clears any earlier
// match. Patterns are evaluated in order without short-circuiting, so later
// patterns override earlier decisions:
//
//	Match("1.txt", []string{"1.txt", "!*.txt"}) == false
//	Match("1.txt", []string{"!*.txt", "[12].txt"}) == true
//
// A nil or empty list matches everything. Malformed globs match nothing.
func Match(filename string, patterns []string) bool {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	matched := false
	for _, p := range patterns {
		if tail, negative := strings.CutPrefix(p, "!"); negative {
			if ok, err := path.Match(tail, filename); err == nil && ok {
				matched = false
			}
		} else {
			if ok, err := path.Match(p, filename); err == nil && ok {
				matched = true
			}
		}
	}
	return matched
}
