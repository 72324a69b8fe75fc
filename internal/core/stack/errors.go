package stack

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyStackName    = errors.New("stack name is empty")
	ErrNoHosts           = errors.New("at least one host is required")
	ErrInvalidPort       = errors.New("port must be between 1 and 65535")
	ErrPortConflict      = errors.New("port is used more than once")
	ErrNameCollision     = errors.New("instance names collide after normalization")
	ErrInvalidName       = errors.New("instance name must start with a letter")
	ErrReservedName      = errors.New("name is reserved")
	ErrUnknownStrategy   = errors.New("unknown ssl strategy")
	ErrUnknownEngine     = errors.New("unknown database engine")
	ErrMissingMeta       = errors.New("exactly one mongodb metadata instance is required")
	ErrStrategyPayload   = errors.New("ssl payload does not match strategy")
	ErrEmptyProfileImage = errors.New("profile image is empty")
)

// ValidationError reports a malformed or conflicting configuration. It is
// operator-caused: the operation is aborted and no state is mutated.
type ValidationError struct {
	Field   string // e.g. "databases.warehouse-1.port"
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}
