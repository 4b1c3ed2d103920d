package copytable

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies task failures at the worker boundary.
type ErrorKind string

const (
	// InvocationError is a malformed invocation: bad arguments, missing
	// connections, mutually exclusive modes combined. Always fatal to the
	// process.
	InvocationError ErrorKind = "InvocationError"
	// ConnectError is a failed source or target session. Fatal to the task,
	// or to the process when raised during orchestrator setup.
	ConnectError ErrorKind = "ConnectError"
	// SchemaMismatchError means the target column set does not match what
	// the source produces. Detected before the first row.
	SchemaMismatchError ErrorKind = "SchemaMismatchError"
	// RangeError means a value does not fit its target bind slot.
	RangeError ErrorKind = "RangeError"
	// EncodingError means a character payload is invalid under its declared
	// charset.
	EncodingError ErrorKind = "EncodingError"
	// OversizedBlobError is raised for LOBs over the parameter limit when
	// abort-on-oversized-blobs is set.
	OversizedBlobError ErrorKind = "OversizedBlobError"
	// PacketTooLargeError means the target refused a flush of a single row,
	// or refused one half of a batch that was already halved once.
	PacketTooLargeError ErrorKind = "PacketTooLargeError"
	// DriverError is any other driver-reported failure.
	DriverError ErrorKind = "DriverError"
)

// TaskError wraps a failure with its kind so the worker boundary can log and
// classify without string matching.
type TaskError struct {
	Kind ErrorKind
	err  error
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.err
}

// Cause supports github.com/pkg/errors chains.
func (e *TaskError) Cause() error {
	return e.err
}

// NewTaskError wraps err with a kind and a stack.
func NewTaskError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, err: errors.WithStack(err)}
}

// TaskErrorf builds a kinded error from a format string.
func TaskErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &TaskError{Kind: kind, err: errors.Errorf(format, args...)}
}

// KindOf reports the kind of err, walking the cause chain. Unclassified
// errors report DriverError.
func KindOf(err error) ErrorKind {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			return te.Kind
		}
		cause, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = cause.Unwrap()
	}
	return DriverError
}
