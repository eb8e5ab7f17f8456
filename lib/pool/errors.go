package pool

import (
	"fmt"

	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
)

// Pool errors. These are aliases to the central definitions in lib/errors.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrWaitQueueTimeout is returned when a checkout waited past its deadline.
	ErrWaitQueueTimeout = apperrors.ErrWaitQueueTimeout
	// ErrConnectionError is returned when a checkout could not establish a connection.
	ErrConnectionError = apperrors.ErrCheckOutConnection
	// ErrInvalidOptions is returned by New for invalid options.
	ErrInvalidOptions = apperrors.ErrInvalidOptions
)

// CheckOutFailedError is returned by every failed checkout. Reason tells
// which of the three failure kinds applies; errors.Is matches the sentinel
// for the reason as well as the underlying error.
type CheckOutFailedError struct {
	Reason event.CheckOutFailedReason
	Err    error
}

func (e *CheckOutFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pool: checkout failed: %s", e.Reason)
	}
	return fmt.Sprintf("pool: checkout failed: %s: %v", e.Reason, e.Err)
}

// Unwrap exposes the reason sentinel and the underlying error.
func (e *CheckOutFailedError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Reason {
	case event.FailedTimeout:
		errs = append(errs, ErrWaitQueueTimeout)
	case event.FailedPoolClosed:
		errs = append(errs, ErrPoolClosed)
	case event.FailedConnectionError:
		errs = append(errs, ErrConnectionError)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func checkOutFailed(reason event.CheckOutFailedReason, err error) *CheckOutFailedError {
	return &CheckOutFailedError{Reason: reason, Err: err}
}
