// Package certs executes the certificate lifecycle: self-issued authority
// and leaf generation, the publicly-validated bootstrap saga, user-supplied
// file installation. Which steps run, and in what order, is decided by the
// pure state machine in core/certplan.
package certs

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrBootstrapFailed is returned when the publicly-validated issuance
	// saga fails. The previous topology and certificate are preserved.
	ErrBootstrapFailed = errors.New("certificate bootstrap failed")

	// ErrMissingUserFiles is returned when the user-supplied strategy
	// points at files that do not exist.
	ErrMissingUserFiles = errors.New("user-supplied certificate files not found")

	// ErrNoCertificate is returned when an operation needs an issued
	// certificate and none exists at the managed path.
	ErrNoCertificate = errors.New("no certificate at managed path")
)

// CertificateError wraps certificate failures with operation context.
type CertificateError struct {
	Op       string // Operation that failed (e.g., "Ensure", "Regenerate")
	Strategy string
	Message  string
	Err      error
}

func (e *CertificateError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Strategy, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// NewCertificateError creates a new CertificateError.
func NewCertificateError(op, strategy, message string, err error) *CertificateError {
	return &CertificateError{
		Op:       op,
		Strategy: strategy,
		Message:  message,
		Err:      err,
	}
}
