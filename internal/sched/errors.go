package sched

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrQuotaExceeded      = errors.New("tenant queue full")
	ErrProvisioningFailed = errors.New("environment provisioning failed after retries")
	ErrCancelled          = errors.New("job cancelled")
	ErrJobNotFound        = errors.New("job not found")
	ErrSchedulerClosed    = errors.New("scheduler is shut down")
)

// JobError wraps errors with job context.
type JobError struct {
	JobID string
	Op    string // The operation that failed
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded returns true if the submission was rejected because the
// tenant's queue is full. Callers should back off and retry.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsCancelled returns true if the job was cancelled before completing.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
