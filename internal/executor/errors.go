package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrProvisioning       = errors.New("environment provisioning failed")
	ErrBackendUnavailable = errors.New("no execution backend available")
)

// ExecError wraps errors with execution context.
type ExecError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsProvisioning returns true if the error is a provisioning failure,
// which the scheduler may retry.
func IsProvisioning(err error) bool {
	return errors.Is(err, ErrProvisioning)
}
