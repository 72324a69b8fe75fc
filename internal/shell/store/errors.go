// Package store persists the stack configuration document: atomic saves,
// a bounded snapshot history, restore with re-validation, and a portable
// export/import encoding.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when no configuration document exists yet.
	ErrNotFound = errors.New("configuration not found")

	// ErrSnapshotNotFound is returned when the named snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidSnapshot is returned when a snapshot exists but no longer
	// parses or validates. The live configuration is left untouched.
	ErrInvalidSnapshot = errors.New("snapshot is not a valid configuration")

	// ErrCorruptPayload is returned when an import payload cannot be
	// decoded back into a configuration.
	ErrCorruptPayload = errors.New("import payload is corrupt")
)

// StoreError wraps store failures with operation context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "Save", "Restore")
	Path    string // File or snapshot involved, if applicable
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, path, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Path:    path,
		Message: message,
		Err:     err,
	}
}
