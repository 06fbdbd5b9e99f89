package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSuspended is returned through a workflow when it parks on a durable sleep.
	// Workflow code must propagate it unchanged.
	ErrSuspended = errors.New("workflow suspended")

	ErrUnknownKind = errors.New("unknown workflow kind")
)

// suspendError carries the wake time of a durable sleep up to the engine.
type suspendError struct {
	key    string
	wakeAt time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("workflow suspended at %q until %s", e.key, e.wakeAt.Format(time.RFC3339))
}

func (e *suspendError) Unwrap() error { return ErrSuspended }

// permanentError marks a failure that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string     { return e.err.Error() }
func (e *permanentError) Unwrap() error     { return e.err }
func (e *permanentError) IsRetryable() bool { return false }

// Permanent wraps err so that neither the step nor the run is retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DegradedError completes a run with status degraded: the result is kept and
// Err is recorded as the run's error message.
type DegradedError struct {
	Result any
	Err    error
}

func (e *DegradedError) Error() string { return "degraded: " + e.Err.Error() }
func (e *DegradedError) Unwrap() error { return e.Err }

// Degraded returns the error a workflow uses to finish with a partial success.
func Degraded(result any, err error) error {
	return &DegradedError{Result: result, Err: err}
}
