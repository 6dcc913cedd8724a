package patterns

import (
	"fmt"
	"path/filepath"

	"github.com/gobwas/glob"
)

// Filter decides whether a file takes part in a reload batch.
// A nil Filter, or one built from an empty pattern, accepts every path.
type Filter struct {
	pattern string
	glob    glob.Glob
}

// NewFilter compiles pattern into a Filter. Matching is case-sensitive and
// runs against the whole slash-normalised path.
func NewFilter(pattern string) (*Filter, error) {
	if pattern == "" {
		return &Filter{}, nil
	}

	g, err := compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid match pattern %q: %w", pattern, err)
	}
	return &Filter{pattern: pattern, glob: g}, nil
}

// Accepts reports whether path passes the filter.
func (f *Filter) Accepts(path string) bool {
	if f == nil || f.glob == nil {
		return true
	}
	return f.glob.Match(filepath.ToSlash(path))
}

// Pattern returns the source pattern, empty when the filter accepts everything.
func (f *Filter) Pattern() string {
	if f == nil {
		return ""
	}
	return f.pattern
}
