// Package ingesterr defines the error taxonomy shared by every ingest
// component: validation, state-conflict, transient I/O, partial cluster
// failure, data errors and fatal errors. Callers classify an error with
// errors.Is against these sentinels instead of matching strings.
package ingesterr

import "errors"

var (
	// ErrValidation covers bad names, unknown database/table/worker, empty
	// mutex names, illegal state transitions. Fail fast at the API boundary.
	ErrValidation = errors.New("validation error")

	// ErrStateConflict covers a transaction not in the required state, a
	// published database, a chunk not allocated to a worker. Not retryable
	// at this layer.
	ErrStateConflict = errors.New("state conflict")

	// ErrTransient covers MySQL connection loss and DDL deadlocks. Callers
	// may retry a bounded number of times.
	ErrTransient = errors.New("transient I/O error")

	// ErrPartialFailure marks a fan-out job that finished with some
	// sub-requests failed; the job's result object still carries full
	// per-target status.
	ErrPartialFailure = errors.New("partial cluster failure")

	// ErrDataError covers MySQL warnings from a bulk load, duplicate keys,
	// out-of-range values, missing partitions not explicitly tolerated.
	ErrDataError = errors.New("data error")

	// ErrFatal covers MySQL client library initialization failure or loss
	// of the persistent metadata store. Processes holding this error should
	// abort rather than continue serving.
	ErrFatal = errors.New("fatal error")
)

// Wrap annotates err with msg while preserving errors.Is matching against
// the given taxonomy sentinel. It returns nil if err is nil, so callers can
// write "return ingesterr.Wrap(sentinel, msg, err)" unconditionally after an
// operation that may or may not have failed.
func Wrap(sentinel error, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{sentinel: sentinel, msg: msg, cause: err}
}

// New classifies a condition detected directly by the caller (no
// underlying error to wrap), e.g. a validation or state-conflict check
// that failed. Unlike Wrap, it always returns a non-nil error.
func New(sentinel error, msg string) error {
	return &taggedError{sentinel: sentinel, msg: msg}
}

type taggedError struct {
	sentinel error
	msg      string
	cause    error
}

func (e *taggedError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *taggedError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}
