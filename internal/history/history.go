package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"deploygate/internal/fs"
	"deploygate/internal/gate"
)

// DefaultMaxEntries caps stored history.
const DefaultMaxEntries = 1000

// merge replaces the record with the same ID in place, or appends it, then
// drops the oldest records beyond maxEntries. records is oldest first.
func merge(records []gate.DeploymentRecord, rec gate.DeploymentRecord, maxEntries int) []gate.DeploymentRecord {
	i := slices.IndexFunc(records, func(r gate.DeploymentRecord) bool {
		return r.DeploymentID == rec.DeploymentID
	})
	if i >= 0 {
		records[i] = rec
	} else {
		records = append(records, rec)
	}
	if maxEntries > 0 && len(records) > maxEntries {
		records = slices.Clone(records[len(records)-maxEntries:])
	}
	return records
}

func newestFirst(records []gate.DeploymentRecord, limit int) []gate.DeploymentRecord {
	out := slices.Clone(records)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func find(records []gate.DeploymentRecord, id string) *gate.DeploymentRecord {
	for _, r := range records {
		if r.DeploymentID == id {
			return &r
		}
	}
	return nil
}

// JSONHistory stores history as a JSON array in a single file, oldest
// first. The file is rewritten atomically on every save.
type JSONHistory struct {
	mu         sync.Mutex
	path       string
	maxEntries int
}

// NewJSONHistory creates a history backed by path. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewJSONHistory(path string, maxEntries int) *JSONHistory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &JSONHistory{path: path, maxEntries: maxEntries}
}

// Path returns the history file location.
func (h *JSONHistory) Path() string {
	return h.path
}

func (h *JSONHistory) load() ([]gate.DeploymentRecord, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading deployment history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []gate.DeploymentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing deployment history %s: %w", h.path, err)
	}
	return records, nil
}

func (h *JSONHistory) Save(rec gate.DeploymentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return err
	}
	records = merge(records, rec, h.maxEntries)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding deployment history: %w", err)
	}
	if err := fs.WriteFileAtomic(h.path, data, 0600); err != nil {
		return fmt.Errorf("writing deployment history: %w", err)
	}
	return nil
}

func (h *JSONHistory) Get(deploymentID string) (*gate.DeploymentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return nil, err
	}
	return find(records, deploymentID), nil
}

func (h *JSONHistory) List(limit int) ([]gate.DeploymentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return nil, err
	}
	return newestFirst(records, limit), nil
}

func (h *JSONHistory) Count() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (h *JSONHistory) Close() error { return nil }

// MemoryHistory keeps history in memory. Safe for concurrent use.
type MemoryHistory struct {
	mu         sync.Mutex
	records    []gate.DeploymentRecord
	maxEntries int
	failSaves  bool
}

// NewMemoryHistory creates an empty MemoryHistory. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewMemoryHistory(maxEntries int) *MemoryHistory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryHistory{maxEntries: maxEntries}
}

// SetFailSaves makes subsequent saves fail, simulating a storage outage.
func (h *MemoryHistory) SetFailSaves(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failSaves = fail
}

func (h *MemoryHistory) Save(rec gate.DeploymentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failSaves {
		return errors.New("memory history: save failed")
	}
	h.records = merge(h.records, rec, h.maxEntries)
	return nil
}

func (h *MemoryHistory) Get(deploymentID string) (*gate.DeploymentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return find(h.records, deploymentID), nil
}

func (h *MemoryHistory) List(limit int) ([]gate.DeploymentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return newestFirst(h.records, limit), nil
}

func (h *MemoryHistory) Count() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records), nil
}

func (h *MemoryHistory) Close() error { return nil }

var (
	_ gate.History = (*JSONHistory)(nil)
	_ gate.History = (*MemoryHistory)(nil)
)
