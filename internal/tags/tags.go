// Package tags selects which script steps run from --tags and --skip-tags.
package tags

import (
	"slices"
	"strings"
)

// Special step tags. A step tagged Always runs unless it is skipped by name;
// a step tagged Never runs only when selected by name.
const (
	Always = "always"
	Never  = "never"
)

// Selects reports whether a step carrying stepTags runs under the only and
// skip selections.
//
//   - A step with any tag in skip never runs.
//   - With only empty, every step runs except those tagged Never.
//   - With only set, a step runs when one of its tags is selected, or when
//     it is tagged Always.
func Selects(stepTags, only, skip []string) bool {
	for _, t := range stepTags {
		if slices.Contains(skip, t) {
			return false
		}
	}
	if slices.Contains(stepTags, Always) {
		return true
	}
	if len(only) == 0 {
		return !slices.Contains(stepTags, Never)
	}
	for _, t := range only {
		if slices.Contains(stepTags, t) {
			return true
		}
	}
	return false
}

// Split parses a comma-separated flag value, dropping blanks.
func Split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
