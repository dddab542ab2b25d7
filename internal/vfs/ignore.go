package vfs

import (
	"path"
	"strings"
)

// IgnoreFile is the per-root file whose patterns keep matching files out of
// exported snapshots.
const IgnoreFile = ".flareignore"

type ignorePattern struct {
	pattern   string
	matchPath bool // match against the root-relative path instead of the basename
}

// IgnoreMatcher checks root-relative paths against ignore patterns.
// Patterns containing '/' match the whole relative path, others the basename.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher parses raw pattern lines. Blank lines and '#' comments are skipped.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   strings.TrimPrefix(raw, "/"),
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// ParseIgnore splits the content of an ignore file into a matcher.
func ParseIgnore(content string) *IgnoreMatcher {
	return NewIgnoreMatcher(strings.Split(content, "\n"))
}

// Match reports whether rel should be ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	if m == nil || rel == "" {
		return false
	}
	base := path.Base(rel)
	for _, p := range m.patterns {
		target := base
		if p.matchPath {
			target = rel
		}
		// Malformed patterns never match.
		if ok, err := path.Match(p.pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}
