package runs

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a Run, Task or artifact that does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotCancellable indicates a cancel request on an already-terminal Run.
var ErrNotCancellable = errors.New("run is already terminal")

// ErrReportNotReady indicates a report fetch for a task that has not
// completed; clients should keep polling.
var ErrReportNotReady = errors.New("report not available")

// ValidationError rejects a submission before any Run/Task is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError marks an artifact-store failure as a retryable condition.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
