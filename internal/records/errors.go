package records

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or absent request input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup for a room that has no snapshot.
	ErrNotFound = errors.New("not found")
	// ErrStore marks any failure surfaced by the persistence layer.
	ErrStore = errors.New("store error")
	// ErrInternal marks a failure that is neither input nor storage related.
	ErrInternal = errors.New("internal error")
)

// ServiceError carries an operation scoped code alongside the error kind and cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := []error{e.kind}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

// Cause returns the wrapped error without the kind sentinel.
func (e *ServiceError) Cause() error {
	return e.err
}

// NewServiceError builds a ServiceError whose code is "<operation>.<reason>".
func NewServiceError(kind error, operation, reason string, cause error) error {
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

// ValidationError is shorthand for a ServiceError of kind ErrValidation.
func ValidationError(operation, reason string, cause error) error {
	return NewServiceError(ErrValidation, operation, reason, cause)
}

// NotFoundError is shorthand for a ServiceError of kind ErrNotFound.
func NotFoundError(operation, reason string, cause error) error {
	return NewServiceError(ErrNotFound, operation, reason, cause)
}

// StoreError is shorthand for a ServiceError of kind ErrStore.
func StoreError(operation, reason string, cause error) error {
	return NewServiceError(ErrStore, operation, reason, cause)
}

// InternalError is shorthand for a ServiceError of kind ErrInternal.
func InternalError(operation, reason string, cause error) error {
	return NewServiceError(ErrInternal, operation, reason, cause)
}
