package pool

import (
	"crypto/tls"
	"fmt"
	"math"
	"time"

	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
)

// Unbounded disables the MaxPoolSize limit.
const Unbounded = math.MaxInt

// Options configures a connection pool.
type Options struct {
	// MaxPoolSize is the maximum number of connections, idle or checked out.
	// Zero means Unbounded.
	// Default: 10 (DefaultOptions)
	MaxPoolSize int
	// MinPoolSize is the number of connections the pool keeps established
	// in the background once it is ready.
	// Default: 0
	MinPoolSize int
	// MaxIdleTime is how long a connection may sit idle before it is closed.
	// Zero disables idle expiry.
	// Default: 0
	MaxIdleTime time.Duration
	// MaxConnecting is the maximum number of establishments in flight.
	// Default: 2
	MaxConnecting int
	// WaitQueueTimeout bounds how long a checkout may wait. Zero means the
	// caller's context is the only deadline.
	// Default: 0
	WaitQueueTimeout time.Duration
	// EstablishTimeout bounds a single connection establishment.
	// Default: 30 seconds
	EstablishTimeout time.Duration
	// TLS is passed through to the establisher.
	TLS *tls.Config
	// ServerAPI is passed through to the establisher.
	ServerAPI string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxPoolSize:      10,
		MinPoolSize:      0,
		MaxConnecting:    2,
		EstablishTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero values with defaults. A zero MaxPoolSize lifts
// the limit.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPoolSize == 0 {
		o.MaxPoolSize = Unbounded
	}
	if o.MaxConnecting == 0 {
		o.MaxConnecting = d.MaxConnecting
	}
	if o.EstablishTimeout == 0 {
		o.EstablishTimeout = d.EstablishTimeout
	}
	return o
}

// Validate checks the options for errors. Zero values are replaced with
// defaults before validation, so callers may leave them unset.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch {
	case o.MaxPoolSize < 1:
		return fmt.Errorf("%w: max pool size must be at least 1", apperrors.ErrInvalidOptions)
	case o.MinPoolSize < 0:
		return fmt.Errorf("%w: min pool size must not be negative", apperrors.ErrInvalidOptions)
	case o.MinPoolSize > o.MaxPoolSize:
		return fmt.Errorf("%w: min pool size %d exceeds max pool size %d",
			apperrors.ErrInvalidOptions, o.MinPoolSize, o.MaxPoolSize)
	case o.MaxConnecting < 1:
		return fmt.Errorf("%w: max connecting must be at least 1", apperrors.ErrInvalidOptions)
	case o.MaxIdleTime < 0, o.WaitQueueTimeout < 0, o.EstablishTimeout < 0:
		return fmt.Errorf("%w: durations must not be negative", apperrors.ErrInvalidOptions)
	}
	return nil
}

func (o Options) eventOptions() *event.PoolOptions {
	return &event.PoolOptions{
		MaxPoolSize:      o.MaxPoolSize,
		MinPoolSize:      o.MinPoolSize,
		MaxIdleTime:      o.MaxIdleTime,
		MaxConnecting:    o.MaxConnecting,
		WaitQueueTimeout: o.WaitQueueTimeout,
	}
}
