package pool

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/topology"
)

// Transport is an established network connection. The pool treats it as
// opaque and only ever closes it.
type Transport interface {
	Close() error
}

// EstablishOptions are passed through to the Establisher unchanged.
type EstablishOptions struct {
	TLS       *tls.Config
	ServerAPI string
}

// Establisher opens transports to a server. Establish must honor ctx.
type Establisher interface {
	Establish(ctx context.Context, addr address.Address, opts EstablishOptions) (Transport, error)
}

// EstablisherFunc adapts a function to an Establisher.
type EstablisherFunc func(ctx context.Context, addr address.Address, opts EstablishOptions) (Transport, error)

// Establish calls f.
func (f EstablisherFunc) Establish(ctx context.Context, addr address.Address, opts EstablishOptions) (Transport, error) {
	return f(ctx, addr, opts)
}

// pooledConn is the pool's record of an established connection. Fields other
// than errored are guarded by the pool mutex once the connection is pooled.
type pooledConn struct {
	id         uint64
	generation uint64
	transport  Transport
	createdAt  time.Time
	lastUsed   time.Time
	checkedOut bool
	errored    atomic.Bool
}

// Connection is a checked out connection. The caller owns it until Release.
// Each checkout returns a fresh Connection, so a stale handle can never
// release a connection that has since been checked out again.
type Connection struct {
	pool         *Pool
	pc           *pooledConn
	checkedOutAt time.Time
	released     atomic.Bool
}

// ID returns the pool-scoped connection id.
func (c *Connection) ID() uint64 { return c.pc.id }

// Generation returns the pool generation the connection was created under.
func (c *Connection) Generation() uint64 { return c.pc.generation }

// Address returns the server address.
func (c *Connection) Address() address.Address { return c.pool.address }

// Transport returns the underlying transport.
func (c *Connection) Transport() Transport { return c.pc.transport }

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.pc.createdAt }

// LastUsedAt returns when the connection was checked out.
func (c *Connection) LastUsedAt() time.Time { return c.checkedOutAt }

// Release returns the connection to the pool. Only the first call has an
// effect; the check-in itself runs on its own goroutine.
func (c *Connection) Release() {
	if c == nil {
		return
	}
	if c.pool == nil || c.pc == nil {
		panic("pool: release of a connection that was not issued by a pool")
	}
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	go c.pool.checkIn(c.pc)
}

// ReportError marks the connection as errored, so it is closed instead of
// pooled when released, and reports err to the topology monitor. The returned
// receiver resolves when the monitor has handled the report. A released handle
// no longer owns the connection: the report is dropped and the receiver's
// Wait returns ErrNotAcknowledged.
func (c *Connection) ReportError(err error) *topology.AckReceiver {
	if c.released.Load() {
		log.WithField("connectionId", c.pc.id).
			WithError(err).
			Debug("error reported on released connection, ignoring")
		return topology.Dropped()
	}
	c.pc.errored.Store(true)
	log.WithField("address", c.pool.address.String()).
		WithField("connectionId", c.pc.id).
		WithError(err).
		Debug("connection error reported")
	return c.pool.updater.ReportApplicationError(topology.ApplicationError{
		PoolID:       c.pool.id,
		Address:      c.pool.address,
		ConnectionID: c.pc.id,
		Generation:   c.pc.generation,
		Phase:        topology.PhaseUse,
		Err:          err,
	})
}
