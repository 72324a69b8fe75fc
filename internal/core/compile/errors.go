// Package compile renders a stack configuration into deployment artifacts:
// a compose topology, edge routing rules, and the secrets environment.
// This is part of the Functional Core - Compile is pure, deterministic, and
// total: the same configuration always yields byte-identical artifacts.
package compile

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrDanglingReference means an emitted service references a service,
	// network, or volume that the topology does not declare.
	ErrDanglingReference = errors.New("dangling reference in compiled topology")

	// ErrPortOutOfRange means an emitted port binding fell outside 1-65535.
	ErrPortOutOfRange = errors.New("compiled port out of range")

	// ErrSecretLeak means a secret value was embedded verbatim in the
	// topology instead of a ${VAR} reference into the secrets artifact.
	ErrSecretLeak = errors.New("secret embedded in topology artifact")
)

// CompileError reports a referential-integrity failure in the compiler's own
// output. Unlike a stack.ValidationError it is never operator-caused: it
// indicates a defect and is surfaced loudly rather than handled.
type CompileError struct {
	Service string // service under inspection, if any
	Message string
	Err     error
}

func (e *CompileError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("compile defect in service %s: %s", e.Service, e.Message)
	}
	return fmt.Sprintf("compile defect: %s", e.Message)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func newCompileError(service, message string, err error) *CompileError {
	return &CompileError{Service: service, Message: message, Err: err}
}
