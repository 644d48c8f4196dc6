package gate

// KeyRegistry persists the authorized key map. Save must replace the stored
// registry atomically: a failed Save leaves the previous contents intact.
type KeyRegistry interface {
	Load() (map[string]KeyEntry, error)
	Save(entries map[string]KeyEntry) error
}

// History is the durable deployment history.
type History interface {
	// Save inserts the record, or updates the existing record with the same
	// DeploymentID in place. The oldest records beyond the configured cap are
	// dropped.
	Save(record DeploymentRecord) error

	// Get returns the record with the given ID, or nil if it is not present.
	Get(deploymentID string) (*DeploymentRecord, error)

	// List returns up to limit records, newest first. limit <= 0 returns all.
	List(limit int) ([]DeploymentRecord, error)

	// Count returns the number of stored records.
	Count() (int, error)

	Close() error
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	Append(entry AuditEntry) error

	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]AuditEntry, error)
}
