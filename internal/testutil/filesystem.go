package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"deploygate/internal/gate"
)

// MockFilesystemManager is an in-memory filesystem for testing. Only the
// set of existing files is tracked.
type MockFilesystemManager struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files: make(map[string][]byte),
	}
}

// AddFile adds a file to the mock filesystem.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = content
}

// RemoveFile removes a file from the mock filesystem.
func (m *MockFilesystemManager) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, filepath.Clean(path))
}

func (m *MockFilesystemManager) Resolve(root, rawPath string) (string, error) {
	p := rawPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(filepath.Clean(root), p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", rawPath)
	}
	return p, nil
}

func (m *MockFilesystemManager) IsFile(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok
}

// Compile-time check that MockFilesystemManager implements gate.FilesystemManager interface
var _ gate.FilesystemManager = (*MockFilesystemManager)(nil)
