package gate

import (
	"context"
	"io"
)

// Vault stores versioned snapshots of the gate's state files (key registry,
// deployment history, audit log) outside the host.
type Vault interface {
	// PutSnapshot stores a named snapshot. size is the number of bytes that
	// will be read from r; version is stored alongside for ordering.
	PutSnapshot(ctx context.Context, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot writes the latest snapshot with the given name to w.
	GetSnapshot(ctx context.Context, name string, w io.Writer) error

	// SnapshotVersion returns the stored version, or 0 if none exists.
	SnapshotVersion(ctx context.Context, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible.
	ValidateSetup(ctx context.Context) error
}
