package history

import (
	"fmt"
	"os"
	"path/filepath"

	"deploygate/internal/config"
	"deploygate/internal/database"
	"deploygate/internal/gate"
)

// NewHistoryFromConfig creates a History implementation based on the history config type.
func NewHistoryFromConfig(cfg config.HistoryConfig) (gate.History, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	switch cfg.Type {
	case "", "json":
		if cfg.Path == "" {
			return nil, fmt.Errorf("json history requires path to be set")
		}
		return NewJSONHistory(cfg.Path, maxEntries), nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating history data directory: %w", err)
		}
		return database.NewSQLiteHistory(filepath.Join(cfg.DataDir, "history.db"), maxEntries)
	case "memory":
		return NewMemoryHistory(maxEntries), nil
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}
