// Package patterns compiles glob patterns used to select watched files and
// to filter the files that take part in a reload batch.
package patterns

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Separator is the path separator glob wildcards respect: `*` stops at it, `**` crosses it.
const Separator = '/'

// Matcher handles watch and ignore patterns for the file watcher
type Matcher struct {
	watchPatterns  []glob.Glob
	ignorePatterns []glob.Glob
	mu             sync.RWMutex
}

// NewMatcher creates a new pattern matcher
func NewMatcher() *Matcher {
	return &Matcher{
		watchPatterns:  make([]glob.Glob, 0),
		ignorePatterns: make([]glob.Glob, 0),
	}
}

// SetWatchPatterns replaces the watch patterns. Blank lines and `#` comments are skipped.
func (m *Matcher) SetWatchPatterns(patterns []string) error {
	globs, err := compileList(patterns)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchPatterns = globs
	return nil
}

// SetIgnorePatterns replaces the ignore patterns. Blank lines and `#` comments are skipped.
func (m *Matcher) SetIgnorePatterns(patterns []string) error {
	globs, err := compileList(patterns)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignorePatterns = globs
	return nil
}

// IsIgnored checks if a path matches any ignore pattern
func (m *Matcher) IsIgnored(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	normalizedPath := filepath.ToSlash(path)
	for _, pattern := range m.ignorePatterns {
		if matchPathOrBase(pattern, normalizedPath) {
			return true
		}
		// Directory patterns such as `**/.git/**` must also catch the directory itself
		if pattern.Match(strings.TrimSuffix(normalizedPath, "/") + "/") {
			return true
		}
	}

	return false
}

// IsWatched checks if a path matches any watch pattern.
// With no watch patterns every path is watched.
func (m *Matcher) IsWatched(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.watchPatterns) == 0 {
		return true
	}

	normalizedPath := filepath.ToSlash(path)
	for _, pattern := range m.watchPatterns {
		if matchPathOrBase(pattern, normalizedPath) {
			return true
		}
	}

	return false
}

// ShouldProcess reports whether a change to path should be delivered.
func (m *Matcher) ShouldProcess(path string) bool {
	if m == nil {
		return true
	}
	return !m.IsIgnored(path) && m.IsWatched(path)
}

func matchPathOrBase(pattern glob.Glob, normalizedPath string) bool {
	if pattern.Match(normalizedPath) {
		return true
	}
	// Also check just the filename
	return pattern.Match(baseName(normalizedPath))
}

func baseName(normalizedPath string) string {
	if i := strings.LastIndexByte(normalizedPath, Separator); i >= 0 {
		return normalizedPath[i+1:]
	}
	return normalizedPath
}

func compileList(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}

		compiled, err := compile(pattern)
		if err != nil {
			return nil, err
		}
		globs = append(globs, compiled)
	}
	return globs, nil
}

// compile builds a glob over slash-separated paths. A leading `**/` also
// matches zero directories, so `**/*.js` accepts `app.js`.
func compile(pattern string) (glob.Glob, error) {
	pattern = filepath.ToSlash(pattern)

	g, err := glob.Compile(pattern, Separator)
	if err != nil {
		return nil, err
	}

	rest, ok := strings.CutPrefix(pattern, "**/")
	if !ok || rest == "" {
		return g, nil
	}

	shallow, err := glob.Compile(rest, Separator)
	if err != nil {
		return nil, err
	}
	return anyOf{g, shallow}, nil
}

type anyOf []glob.Glob

func (a anyOf) Match(s string) bool {
	for _, g := range a {
		if g.Match(s) {
			return true
		}
	}
	return false
}
