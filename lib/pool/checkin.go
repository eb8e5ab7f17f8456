package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-i2p/cmap/lib/event"
)

// checkIn returns pc to the pool. It runs on its own goroutine, started by
// Connection.Release.
func (p *Pool) checkIn(pc *pooledConn) {
	p.mu.Lock()
	if !pc.checkedOut {
		p.mu.Unlock()
		panic(fmt.Sprintf("pool: check in of connection %d which is not checked out", pc.id))
	}
	pc.checkedOut = false
	p.checkedOut--
	p.mu.Unlock()

	// CheckedIn goes out before the connection becomes visible to other
	// checkouts, so it always precedes the next CheckedOut for the same id.
	atomic.AddUint64(&p.checkInCount, 1)
	p.emit(event.Event{Type: event.CheckedIn, ConnectionID: pc.id, Generation: pc.generation})

	now := time.Now()
	var reason event.ConnectionClosedReason

	p.mu.Lock()
	switch {
	case p.state == StateClosed:
		reason = event.ClosedPoolClosed
	case pc.generation < p.generation:
		reason = event.ClosedStale
	case pc.errored.Load():
		reason = event.ClosedError
	}
	if reason != 0 {
		p.total--
	} else {
		pc.lastUsed = now
		p.idle = append(p.idle, pc)
	}
	discarded := p.dispatchLocked(now)
	p.mu.Unlock()

	if reason != 0 {
		p.closeConn(pc, reason, nil)
	}
	p.closeAll(discarded)
	p.signal()
	p.leave()
}
