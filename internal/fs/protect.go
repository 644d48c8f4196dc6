package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProtectFileName is the per-workspace file listing extra protected patterns.
const ProtectFileName = ".deploygateprotect"

// DefaultProtectedPatterns are always applied: an agent may never manage
// key material or the gate's own protect file.
var DefaultProtectedPatterns = []string{"*.pem", "*.key", "*.age", ProtectFileName}

type protectPattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// ProtectMatcher checks workspace-relative paths against protected patterns.
// Patterns without '/' match against the basename only. Patterns with '/'
// match against the full relative path from the workspace root.
type ProtectMatcher struct {
	patterns []protectPattern
}

// NewProtectMatcher creates a ProtectMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewProtectMatcher(rawPatterns []string) *ProtectMatcher {
	var patterns []protectPattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, protectPattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ProtectMatcher{patterns: patterns}
}

// Match reports whether relativePath is protected.
func (m *ProtectMatcher) Match(relativePath string) bool {
	if m == nil || len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParsePatternFile reads a pattern file and returns its raw lines.
// Returns nil and no error if the file does not exist.
func ParsePatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening pattern file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	return patterns, nil
}
