package keystore

import (
	"fmt"

	"deploygate/internal/config"
	"deploygate/internal/gate"
)

// NewRegistryFromConfig creates a KeyRegistry based on the keys config type.
func NewRegistryFromConfig(cfg config.KeysConfig) (gate.KeyRegistry, error) {
	switch cfg.Type {
	case "", "file":
		if cfg.RegistryPath == "" {
			return nil, fmt.Errorf("file key registry requires registry_path to be set")
		}
		return NewFileRegistry(cfg.RegistryPath), nil
	case "memory":
		return NewMemoryRegistry(), nil
	default:
		return nil, fmt.Errorf("unknown key registry type: %s", cfg.Type)
	}
}
