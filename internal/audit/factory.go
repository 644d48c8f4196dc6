package audit

import (
	"fmt"

	"deploygate/internal/config"
	"deploygate/internal/gate"
)

// NewAuditLogFromConfig creates an AuditLog implementation based on the audit config type.
func NewAuditLogFromConfig(cfg config.AuditConfig) (gate.AuditLog, error) {
	switch cfg.Type {
	case "", "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file audit log requires path to be set")
		}
		return NewFileLog(cfg.Path)
	case "memory":
		return NewMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unknown audit log type: %s", cfg.Type)
	}
}
