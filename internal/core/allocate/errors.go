// Package allocate contains pure functions for picking non-conflicting
// ports and subnets. This is part of the Functional Core - no I/O; callers
// supply the already-claimed inventory.
package allocate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExhausted is returned when no free value exists in the candidate
	// ranges.
	ErrExhausted = errors.New("allocation ranges exhausted")
)

// ExhaustedError reports an exhausted allocation together with the ranges
// that were scanned, so the operator can see what was tried.
type ExhaustedError struct {
	Kind   string // "port" or "subnet"
	Ranges []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free %s in %s", e.Kind, strings.Join(e.Ranges, ", "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}
