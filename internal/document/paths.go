package document

import (
	"sort"
	"strings"
)

// Join appends key to a dot-delimited parent path.
func Join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// PathSet is an immutable set of dot-delimited paths, such as the protected
// paths that must survive an update.
type PathSet struct {
	paths []string
}

// NewPathSet builds a set from paths, dropping blanks and duplicates.
func NewPathSet(paths ...string) PathSet {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.Trim(strings.TrimSpace(p), ".")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return PathSet{paths: out}
}

// Paths returns a copy of the member paths in sorted order.
func (s PathSet) Paths() []string {
	return append([]string(nil), s.paths...)
}

// Len returns the number of paths in the set.
func (s PathSet) Len() int { return len(s.paths) }

// Covers reports whether path is a member or a descendant of a member.
func (s PathSet) Covers(path string) bool {
	for _, p := range s.paths {
		if isWithin(path, p) {
			return true
		}
	}
	return false
}

// Contains reports whether a member equals path or lies beneath it.
func (s PathSet) Contains(path string) bool {
	for _, p := range s.paths {
		if isWithin(p, path) {
			return true
		}
	}
	return false
}

// Within returns the members equal to or beneath path.
func (s PathSet) Within(path string) []string {
	var out []string
	for _, p := range s.paths {
		if isWithin(p, path) {
			out = append(out, p)
		}
	}
	return out
}

// PresentWithin returns the members beneath path that resolve in doc.
func (s PathSet) PresentWithin(doc Document, path string) []string {
	var out []string
	for _, p := range s.Within(path) {
		if _, ok := doc.Lookup(p); ok {
			out = append(out, p)
		}
	}
	return out
}

// isWithin reports whether path equals root or descends from it.
// The empty root contains everything.
func isWithin(path, root string) bool {
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+".")
}
