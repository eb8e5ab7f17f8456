// Package event defines the connection pool lifecycle events and the sinks
// that observe them.
//
// A pool emits eleven kinds of events. Their ordering contract is:
//   - every CheckOutStarted is followed by exactly one CheckedOut or CheckOutFailed
//   - every CheckedOut is eventually followed by exactly one CheckedIn
//   - PoolClosed is terminal: no event of that pool follows it
//
// Sinks implement Handler and are injected into the pool at construction.
// Handlers are called synchronously from pool goroutines and must not block.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/go-i2p/cmap/lib/address"
)

// Type categorizes pool events.
type Type int

const (
	// PoolCreated is emitted once when a pool is constructed.
	PoolCreated Type = iota
	// PoolReady is emitted when a pool transitions from paused to ready.
	PoolReady
	// PoolCleared is emitted when a pool's generation is bumped.
	PoolCleared
	// PoolClosed is emitted once, after everything else, when a pool is closed.
	PoolClosed
	// ConnectionCreated is emitted when a connection establishment starts.
	ConnectionCreated
	// ConnectionReady is emitted when a connection establishment completes.
	ConnectionReady
	// ConnectionClosed is emitted when a connection leaves the pool for good.
	ConnectionClosed
	// CheckOutStarted is emitted when a checkout request begins.
	CheckOutStarted
	// CheckedOut is emitted when a checkout request succeeds.
	CheckedOut
	// CheckOutFailed is emitted when a checkout request fails.
	CheckOutFailed
	// CheckedIn is emitted when a checked out connection is returned.
	CheckedIn
)

var typeNames = map[Type]string{
	PoolCreated:       "ConnectionPoolCreated",
	PoolReady:         "ConnectionPoolReady",
	PoolCleared:       "ConnectionPoolCleared",
	PoolClosed:        "ConnectionPoolClosed",
	ConnectionCreated: "ConnectionCreated",
	ConnectionReady:   "ConnectionReady",
	ConnectionClosed:  "ConnectionClosed",
	CheckOutStarted:   "ConnectionCheckOutStarted",
	CheckedOut:        "ConnectionCheckedOut",
	CheckOutFailed:    "ConnectionCheckOutFailed",
	CheckedIn:         "ConnectionCheckedIn",
}

// String returns a short snake_case name for the event type.
func (t Type) String() string {
	switch t {
	case PoolCreated:
		return "pool_created"
	case PoolReady:
		return "pool_ready"
	case PoolCleared:
		return "pool_cleared"
	case PoolClosed:
		return "pool_closed"
	case ConnectionCreated:
		return "connection_created"
	case ConnectionReady:
		return "connection_ready"
	case ConnectionClosed:
		return "connection_closed"
	case CheckOutStarted:
		return "checkout_started"
	case CheckedOut:
		return "checked_out"
	case CheckOutFailed:
		return "checkout_failed"
	case CheckedIn:
		return "checked_in"
	default:
		return "unknown"
	}
}

// Name returns the CMAP event name, e.g. "ConnectionCheckedOut".
func (t Type) Name() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// ParseName returns the Type whose CMAP name is name.
func ParseName(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// ConnectionClosedReason explains why a connection was closed.
type ConnectionClosedReason int

const (
	// ClosedStale means the connection's generation was older than the pool's.
	ClosedStale ConnectionClosedReason = iota + 1
	// ClosedIdle means the connection sat unused longer than MaxIdleTime.
	ClosedIdle
	// ClosedError means establishment failed or the connection was used with an error.
	ClosedError
	// ClosedPoolClosed means the pool was closed.
	ClosedPoolClosed
)

func (r ConnectionClosedReason) String() string {
	switch r {
	case ClosedStale:
		return "stale"
	case ClosedIdle:
		return "idle"
	case ClosedError:
		return "error"
	case ClosedPoolClosed:
		return "poolClosed"
	default:
		return ""
	}
}

// CheckOutFailedReason explains why a checkout failed.
type CheckOutFailedReason int

const (
	// FailedTimeout means the request waited past its deadline.
	FailedTimeout CheckOutFailedReason = iota + 1
	// FailedPoolClosed means the pool was closed while the request was pending.
	FailedPoolClosed
	// FailedConnectionError means establishing a new connection failed.
	FailedConnectionError
)

func (r CheckOutFailedReason) String() string {
	switch r {
	case FailedTimeout:
		return "timeout"
	case FailedPoolClosed:
		return "poolClosed"
	case FailedConnectionError:
		return "connectionError"
	default:
		return ""
	}
}

// PoolOptions is the snapshot of pool options carried by PoolCreated.
type PoolOptions struct {
	MaxPoolSize      int
	MinPoolSize      int
	MaxIdleTime      time.Duration
	MaxConnecting    int
	WaitQueueTimeout time.Duration
}

// Event is a single pool lifecycle event.
type Event struct {
	// Type is the category of this event.
	Type Type

	// Time is when the event occurred.
	Time time.Time

	// PoolID identifies the pool instance that emitted the event.
	PoolID uuid.UUID

	// Address is the server the pool connects to.
	Address address.Address

	// ConnectionID is set for connection and checkout events that refer to
	// a specific connection.
	ConnectionID uint64

	// Generation is the pool generation for PoolCleared, and the connection's
	// stamped generation for connection events.
	Generation uint64

	// Options is set for PoolCreated.
	Options *PoolOptions

	// ClosedReason is set for ConnectionClosed.
	ClosedReason ConnectionClosedReason

	// FailedReason is set for CheckOutFailed.
	FailedReason CheckOutFailedReason

	// Err carries the clear cause for PoolCleared and the failure for
	// ConnectionClosed{error} and CheckOutFailed.
	Err error

	// Duration is the time since CheckOutStarted for CheckedOut and
	// CheckOutFailed, and the establishment time for ConnectionReady.
	Duration time.Duration
}

// Name returns the CMAP name of the event type.
func (e Event) Name() string {
	return e.Type.Name()
}

// String returns a compact human-readable description.
func (e Event) String() string {
	s := fmt.Sprintf("%s{address=%s", e.Type.Name(), e.Address)
	if e.ConnectionID != 0 {
		s += fmt.Sprintf(" connection=%d", e.ConnectionID)
	}
	switch e.Type {
	case ConnectionClosed:
		s += " reason=" + e.ClosedReason.String()
	case CheckOutFailed:
		s += " reason=" + e.FailedReason.String()
	case PoolCleared:
		s += fmt.Sprintf(" generation=%d", e.Generation)
	}
	return s + "}"
}

// Handler observes pool events.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) {
	f(e)
}

// Discard is a Handler that drops every event.
var Discard Handler = HandlerFunc(func(Event) {})

type multiHandler []Handler

func (m multiHandler) HandleEvent(e Event) {
	for _, h := range m {
		h.HandleEvent(e)
	}
}

// Multi returns a Handler that delivers every event to each handler in order.
// Nil handlers are skipped.
func Multi(handlers ...Handler) Handler {
	hs := make(multiHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return hs
}

// NewLogHandler returns a Handler that logs every event at debug level, and
// failures and clears at warn level.
func NewLogHandler() Handler {
	return HandlerFunc(func(e Event) {
		entry := log.WithField("event", e.Type.Name()).WithField("address", e.Address.String())
		if e.ConnectionID != 0 {
			entry = entry.WithField("connectionId", e.ConnectionID)
		}
		switch e.Type {
		case CheckOutFailed:
			entry.WithField("reason", e.FailedReason.String()).WithError(e.Err).Warn("checkout failed")
		case PoolCleared:
			entry.WithField("generation", e.Generation).WithError(e.Err).Warn("pool cleared")
		case ConnectionClosed:
			entry.WithField("reason", e.ClosedReason.String()).Debug("connection closed")
		default:
			entry.Debug("pool event")
		}
	})
}
