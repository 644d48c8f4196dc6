package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"deploygate/internal/gate"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
type OSFilesystemManager struct {
	protected *ProtectMatcher
}

// NewOSFilesystemManager creates a filesystem manager that rejects paths
// matching DefaultProtectedPatterns or any of the extra patterns.
func NewOSFilesystemManager(protected []string) *OSFilesystemManager {
	patterns := append(slices.Clone(DefaultProtectedPatterns), protected...)
	return &OSFilesystemManager{protected: NewProtectMatcher(patterns)}
}

// Resolve validates rawPath against root and returns its absolute, cleaned
// form. The path need not exist yet, but if it does it must be a regular
// file.
func (m *OSFilesystemManager) Resolve(root, rawPath string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}

	p := rawPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(absRoot, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(absRoot, p)
	if err != nil {
		return "", fmt.Errorf("relativizing path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", rawPath)
	}
	if slices.Contains(strings.Split(filepath.ToSlash(rel), "/"), ".git") {
		return "", fmt.Errorf("path is inside the git directory: %s", rawPath)
	}
	if m.protected.Match(rel) {
		return "", fmt.Errorf("path is protected: %s", rel)
	}

	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return "", fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return "", fmt.Errorf("symlinks not supported: %s", p)
	}
	if !mode.IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", p)
	}
	return p, nil
}

// IsFile reports whether path exists and is a regular file.
func (m *OSFilesystemManager) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory and a rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that OSFilesystemManager implements gate.FilesystemManager interface
var _ gate.FilesystemManager = (*OSFilesystemManager)(nil)
