// Package errors provides structured error types for the cmap connection pool.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Pool-specific sentinels (closed pool, wait queue timeout, establishment failure)
//   - Error codes for categorizing failures at API surfaces
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors. Codes in the -32000 to -32099 range are
// application specific.
const (
	CodeInvalidParams = -32602 // Invalid parameters or options
	CodeInternal      = -32603 // Internal error

	CodeTimeout          = -32005 // Operation timeout
	CodeUnavailable      = -32007 // Service unavailable
	CodeConnection       = -32009 // Connection error
	CodeState            = -32010 // Invalid state
	CodeConfiguration    = -32011 // Configuration error
	CodePoolClosed       = -32020 // Pool closed
	CodeWaitQueueTimeout = -32021 // Checkout waited past its deadline
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")
)

// Pool errors
var (
	// ErrPoolClosed is returned by operations attempted after the pool was closed.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrWaitQueueTimeout is returned when a checkout waited past its deadline.
	ErrWaitQueueTimeout = fmt.Errorf("pool: wait queue: %w", ErrTimeout)

	// ErrCheckOutConnection is returned when a checkout failed to establish a connection.
	ErrCheckOutConnection = fmt.Errorf("pool: checkout: %w", ErrConnection)

	// ErrInvalidOptions indicates pool options failed validation.
	ErrInvalidOptions = fmt.Errorf("pool: options: %w", ErrConfiguration)
)

// Dialer errors
var (
	// ErrCircuitOpen is returned when establishments are rejected because
	// recent attempts kept failing.
	ErrCircuitOpen = fmt.Errorf("dialer: circuit open: %w", ErrUnavailable)
)

// Topology errors
var (
	// ErrUpdaterClosed indicates the topology updater channel was closed.
	ErrUpdaterClosed = fmt.Errorf("topology: updater %w", ErrClosed)

	// ErrNotAcknowledged indicates a message was dropped without acknowledgement.
	ErrNotAcknowledged = errors.New("topology: message dropped without acknowledgement")
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns an error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes. More specific sentinels
// are checked before the generic ones they wrap.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return CodePoolClosed
	case errors.Is(err, ErrWaitQueueTimeout):
		return CodeWaitQueueTimeout
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

// EstablishError wraps a transport failure observed while establishing a
// connection. The pool never interprets the wrapped error beyond "establishment
// failed".
type EstablishError struct {
	// Address is the server the establishment targeted.
	Address string
	// Err is the transport failure.
	Err error
}

// Error implements the error interface.
func (e *EstablishError) Error() string {
	return fmt.Sprintf("establish %s: %v", e.Address, e.Err)
}

// Unwrap exposes both ErrConnection and the transport failure to errors.Is/As.
func (e *EstablishError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// NewEstablishError wraps err as an establishment failure for address.
func NewEstablishError(address string, err error) *EstablishError {
	return &EstablishError{Address: address, Err: err}
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a service is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConnection returns true if the error indicates a connection error.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsPoolClosed returns true if the error indicates the pool was closed.
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsWaitQueueTimeout returns true if a checkout timed out in the wait queue.
func IsWaitQueueTimeout(err error) bool {
	return errors.Is(err, ErrWaitQueueTimeout)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
