package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"deploygate/internal/fs"
	"deploygate/internal/gate"
)

// FileRegistry stores the authorized key map as a JSON object keyed by
// fingerprint. Saves replace the file atomically with owner-only
// permissions.
type FileRegistry struct {
	path string
}

// NewFileRegistry creates a registry backed by path. The file is created on
// the first Save.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// Path returns the registry file location.
func (r *FileRegistry) Path() string {
	return r.path
}

// Load reads the registry. A missing file is an empty registry.
func (r *FileRegistry) Load() (map[string]gate.KeyEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]gate.KeyEntry{}, nil
		}
		return nil, fmt.Errorf("reading key registry: %w", err)
	}

	entries := map[string]gate.KeyEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing key registry %s: %w", r.path, err)
	}
	return entries, nil
}

// Save writes the registry.
func (r *FileRegistry) Save(entries map[string]gate.KeyEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key registry: %w", err)
	}
	if err := fs.WriteFileAtomic(r.path, data, 0600); err != nil {
		return fmt.Errorf("writing key registry: %w", err)
	}
	return nil
}

// MemoryRegistry keeps the registry in memory. Use SetFailSaves to simulate a
// persistence outage.
type MemoryRegistry struct {
	mu        sync.Mutex
	entries   map[string]gate.KeyEntry
	failSaves bool
	saves     int
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]gate.KeyEntry)}
}

func (r *MemoryRegistry) Load() (map[string]gate.KeyEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.entries), nil
}

func (r *MemoryRegistry) Save(entries map[string]gate.KeyEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failSaves {
		return errors.New("memory registry: save failed")
	}
	r.entries = maps.Clone(entries)
	r.saves++
	return nil
}

// Saves returns the number of successful saves.
func (r *MemoryRegistry) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// SetFailSaves toggles simulated save failures.
func (r *MemoryRegistry) SetFailSaves(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaves = fail
}

var (
	_ gate.KeyRegistry = (*FileRegistry)(nil)
	_ gate.KeyRegistry = (*MemoryRegistry)(nil)
)
