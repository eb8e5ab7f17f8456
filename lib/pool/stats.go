package pool

import (
	"sync/atomic"

	"github.com/go-i2p/cmap/lib/address"
)

// Stats is a snapshot of pool state and counters.
type Stats struct {
	// Address is the server address.
	Address address.Address
	// State is the pool's lifecycle state.
	State State
	// Generation is the current generation.
	Generation uint64
	// MaxPoolSize is the capacity.
	MaxPoolSize int
	// Total is idle plus checked out connections plus reserved establishments.
	Total int
	// Idle is the number of idle connections.
	Idle int
	// CheckedOut is the number of connections currently checked out.
	CheckedOut int
	// Pending is the number of establishments in flight.
	Pending int
	// Waiters is the number of queued checkout requests.
	Waiters int
	// CheckOutCount is the total number of checkout attempts.
	CheckOutCount uint64
	// CheckOutSuccess is the number of successful checkouts.
	CheckOutSuccess uint64
	// CheckOutFailed is the number of failed checkouts.
	CheckOutFailed uint64
	// CheckInCount is the number of check-ins.
	CheckInCount uint64
	// ConnectionsCreated is the number of establishments started.
	ConnectionsCreated uint64
	// ConnectionsClosed is the number of connections closed.
	ConnectionsClosed uint64
	// Clears is the number of times the pool was cleared.
	Clears uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Address:            p.address,
		State:              p.state,
		Generation:         p.generation,
		MaxPoolSize:        p.opts.MaxPoolSize,
		Total:              p.total,
		Idle:               len(p.idle),
		CheckedOut:         p.checkedOut,
		Pending:            p.pending,
		Waiters:            p.waiters.Len(),
		CheckOutCount:      atomic.LoadUint64(&p.checkOutCount),
		CheckOutSuccess:    atomic.LoadUint64(&p.checkOutSuccess),
		CheckOutFailed:     atomic.LoadUint64(&p.checkOutFailed),
		CheckInCount:       atomic.LoadUint64(&p.checkInCount),
		ConnectionsCreated: atomic.LoadUint64(&p.createdCount),
		ConnectionsClosed:  atomic.LoadUint64(&p.closedCount),
		Clears:             atomic.LoadUint64(&p.clearCount),
	}
}
