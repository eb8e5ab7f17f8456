// Package topology connects connection pools to the topology monitor that
// decides when a pool must be cleared or marked ready.
//
// Pools report failures through an Updater; the monitor drains the paired
// Receiver, decides policy, acts on the pool through a Controller and then
// acknowledges the message. Reporters never wait for the monitor unless they
// choose to wait on the returned AckReceiver.
package topology

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/go-i2p/cmap/lib/address"
	apperrors "github.com/go-i2p/cmap/lib/errors"
)

// Phase tells where an application error was observed.
type Phase int

const (
	// PhaseEstablish means the error happened while establishing a connection.
	PhaseEstablish Phase = iota
	// PhaseUse means the error happened while a caller used a checked out connection.
	PhaseUse
)

func (p Phase) String() string {
	switch p {
	case PhaseEstablish:
		return "establish"
	case PhaseUse:
		return "use"
	default:
		return "unknown"
	}
}

// UpdateMessage is a message sent from a pool to the topology monitor.
type UpdateMessage interface {
	// ServerAddress returns the server the message is about.
	ServerAddress() address.Address
}

// ApplicationError reports a network-level error observed by a pool.
type ApplicationError struct {
	// PoolID identifies the reporting pool instance.
	PoolID uuid.UUID
	// Address is the server the connection belongs to.
	Address address.Address
	// ConnectionID is the connection the error was observed on, or the id
	// reserved for a failed establishment.
	ConnectionID uint64
	// Generation is the generation the connection was stamped with.
	Generation uint64
	// Phase tells whether the error happened during establishment or use.
	Phase Phase
	// Err is the observed error.
	Err error
}

// ServerAddress implements UpdateMessage.
func (e ApplicationError) ServerAddress() address.Address { return e.Address }

func (e ApplicationError) String() string {
	return fmt.Sprintf("application error on %s (connection %d, generation %d, %s): %v",
		e.Address, e.ConnectionID, e.Generation, e.Phase, e.Err)
}

// IsNetworkError reports whether the error is a network-level failure, as
// opposed to a command-level failure the server reported.
func (e ApplicationError) IsNetworkError() bool {
	if e.Err == nil {
		return false
	}
	if e.Phase == PhaseEstablish || apperrors.IsConnection(e.Err) {
		return true
	}
	if errors.Is(e.Err, io.EOF) || errors.Is(e.Err, io.ErrUnexpectedEOF) || errors.Is(e.Err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// ServerHealthy reports that a server check succeeded and pools for it may
// serve checkouts again.
type ServerHealthy struct {
	Address address.Address
}

// ServerAddress implements UpdateMessage.
func (s ServerHealthy) ServerAddress() address.Address { return s.Address }
