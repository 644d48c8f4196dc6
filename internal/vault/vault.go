// Package vault stores snapshots of deploygate's state files off-host.
package vault

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSnapshotNotFound is returned by GetSnapshot for an unknown name.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// checkName rejects snapshot names that could address anything other than
// a single object.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	return nil
}
