package projection

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine.
var (
	// ErrTimeout is returned by WaitForPosition when the projection does
	// not reach the requested position in time. Callers should treat it
	// as "read-your-own-writes not guaranteed", not as a health signal.
	ErrTimeout = errors.New("projection: timed out waiting for position")

	// ErrNotRegistered is returned for operations on an unknown projection name.
	ErrNotRegistered = errors.New("projection: not registered")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("projection: already registered")

	// ErrNotRunning is returned when stopping a handler that is not running.
	ErrNotRunning = errors.New("projection: handler not running")
)

type (
	// Error is the base error type for engine operations.
	Error struct {
		Op  string // operation that failed
		Err error  // underlying error
	}

	// ValidationError reports invalid configuration or registration input.
	ValidationError struct {
		Base  Error
		Field string
		Value string
	}

	// LockError reports a failed lease acquisition or renewal.
	LockError struct {
		Base           Error
		ProjectionName string
		HolderID       string
	}

	// ResourceError reports a failure of an external resource, typically
	// the database. These are the transient errors counted against the
	// handler's batch-error threshold.
	ResourceError struct {
		Base     Error
		Resource string
	}
)

func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e Error) Unwrap() error {
	return e.Err
}

// The base Error cannot be embedded anonymously: the embedded field
// would be named Error and collide with the Error method required by
// the error interface, so each wrapper forwards to its Base explicitly.
func (e ValidationError) Error() string { return e.Base.Error() }

func (e ValidationError) Unwrap() error { return e.Base.Unwrap() }

func (e LockError) Error() string { return e.Base.Error() }

func (e LockError) Unwrap() error { return e.Base.Unwrap() }

func (e ResourceError) Error() string { return e.Base.Error() }

func (e ResourceError) Unwrap() error { return e.Base.Unwrap() }

// IsValidationError checks if the error is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsLockError checks if the error is a LockError.
func IsLockError(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr)
}

// IsResourceError checks if the error is a ResourceError.
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

func validationError(op, field, value string, err error) *ValidationError {
	return &ValidationError{
		Base:  Error{Op: op, Err: err},
		Field: field,
		Value: value,
	}
}

func resourceError(op, resource string, err error) *ResourceError {
	return &ResourceError{
		Base:     Error{Op: op, Err: err},
		Resource: resource,
	}
}
