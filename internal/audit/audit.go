package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"deploygate/internal/gate"
)

// maxLineSize bounds a single audit line when reading the log back.
const maxLineSize = 1 << 20

// FileLog appends AuditEntries to a newline-delimited JSON file. Appends
// are serialized; each entry is written with a single write call.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog creates a FileLog at path, creating its directory.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	return &FileLog{path: path}, nil
}

// Path returns the audit log location.
func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(entry gate.AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing audit log: %w", err)
	}
	return f.Close()
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
// Lines that do not decode are skipped.
func (l *FileLog) Recent(limit int) ([]gate.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []gate.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e gate.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// MemoryLog keeps audit entries in memory. Safe for concurrent use.
type MemoryLog struct {
	mu        sync.Mutex
	entries   []gate.AuditEntry
	failWrite bool
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// SetFailWrites makes subsequent appends fail.
func (l *MemoryLog) SetFailWrites(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWrite = fail
}

func (l *MemoryLog) Append(entry gate.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failWrite {
		return errors.New("memory audit log: write failed")
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryLog) Recent(limit int) ([]gate.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := slices.Clone(l.entries)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns every entry, oldest first.
func (l *MemoryLog) Entries() []gate.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

var (
	_ gate.AuditLog = (*FileLog)(nil)
	_ gate.AuditLog = (*MemoryLog)(nil)
)
