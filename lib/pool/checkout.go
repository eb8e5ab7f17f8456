package pool

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
	"github.com/go-i2p/cmap/lib/topology"
)

// CheckOut returns a connection from the pool, establishing one if needed.
// It blocks while the pool is paused and while the pool is at capacity,
// until ctx is done or WaitQueueTimeout passes. Requests are served in FIFO
// order. Every failure is a *CheckOutFailedError.
func (p *Pool) CheckOut(ctx context.Context) (*Connection, error) {
	atomic.AddUint64(&p.checkOutCount, 1)

	if p.opts.WaitQueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.WaitQueueTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		atomic.AddUint64(&p.checkOutFailed, 1)
		return nil, checkOutFailed(event.FailedPoolClosed, nil)
	}
	p.outstanding++
	// A checkout issued while paused queues immediately, so MarkAsReady
	// serves held checkouts in arrival order.
	var held *waiter
	if p.state == StatePaused {
		held = p.enqueueLocked()
	}
	p.mu.Unlock()
	defer p.leave()

	start := time.Now()
	var (
		pc   *pooledConn
		fail *CheckOutFailedError
	)
	if held != nil {
		g, err := p.wait(ctx, held)
		p.emit(event.Event{Type: event.CheckOutStarted})
		if err != nil {
			fail = checkOutFailed(event.FailedTimeout, err)
		} else {
			pc, fail = p.acquire(ctx, &g)
		}
	} else {
		p.emit(event.Event{Type: event.CheckOutStarted})
		pc, fail = p.acquire(ctx, nil)
	}

	if fail != nil {
		atomic.AddUint64(&p.checkOutFailed, 1)
		p.emit(event.Event{
			Type:         event.CheckOutFailed,
			FailedReason: fail.Reason,
			Err:          fail.Err,
			Duration:     time.Since(start),
		})
		log.WithField("address", p.address.String()).
			WithField("reason", fail.Reason.String()).
			WithError(fail.Err).
			Debug("checkout failed")
		return nil, fail
	}

	atomic.AddUint64(&p.checkOutSuccess, 1)
	conn := &Connection{pool: p, pc: pc, checkedOutAt: pc.lastUsed}
	p.emit(event.Event{
		Type:         event.CheckedOut,
		ConnectionID: pc.id,
		Generation:   pc.generation,
		Duration:     time.Since(start),
	})
	p.signal()
	return conn, nil
}

// WithConnection checks out a connection, calls fn with it and releases it
// when fn returns.
func (p *Pool) WithConnection(ctx context.Context, fn func(*Connection) error) error {
	conn, err := p.CheckOut(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// acquire runs the checkout algorithm once CheckOutStarted has been emitted.
// A non-nil g is a grant the checkout already received from the wait queue.
func (p *Pool) acquire(ctx context.Context, g *grant) (*pooledConn, *CheckOutFailedError) {
	for {
		if g == nil {
			var fail *CheckOutFailedError
			if g, fail = p.take(ctx); fail != nil {
				return nil, fail
			}
		}
		switch {
		case g.err != nil:
			return nil, checkOutFailed(event.FailedPoolClosed, nil)
		case g.pc != nil:
			return g.pc, nil
		}

		pc, fail := p.establishReserved(ctx)
		if pc == nil && fail == nil {
			// The connection went stale before it could be used.
			g = nil
			continue
		}
		return pc, fail
	}
}

// take obtains an idle connection or a reserved slot. The request queues
// behind earlier ones, and always queues while the pool is paused.
func (p *Pool) take(ctx context.Context) (*grant, *CheckOutFailedError) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil, checkOutFailed(event.FailedPoolClosed, nil)
	}

	now := time.Now()
	var discarded []closing
	if p.state == StateReady && p.waiters.Len() == 0 {
		var pc *pooledConn
		pc, discarded = p.popIdleLocked(now)
		if pc != nil {
			p.checkOutLocked(pc, now)
			p.mu.Unlock()
			p.closeAll(discarded)
			return &grant{pc: pc}, nil
		}
		if p.total < p.opts.MaxPoolSize {
			p.reserveLocked()
			p.mu.Unlock()
			p.closeAll(discarded)
			return &grant{}, nil
		}
	}
	w := p.enqueueLocked()
	p.mu.Unlock()
	p.closeAll(discarded)

	g, err := p.wait(ctx, w)
	if err != nil {
		return nil, checkOutFailed(event.FailedTimeout, err)
	}
	return &g, nil
}

// establishReserved fills a reserved slot for a checkout. It returns nil and
// no failure when the new connection was stale and the checkout must retry.
func (p *Pool) establishReserved(ctx context.Context) (*pooledConn, *CheckOutFailedError) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		p.unreserveLocked()
		discarded := p.dispatchLocked(time.Now())
		p.mu.Unlock()
		p.closeAll(discarded)
		return nil, checkOutFailed(event.FailedTimeout, err)
	}

	pc, err := p.establish(ctx)
	if err != nil {
		p.mu.Lock()
		p.unreserveLocked()
		discarded := p.dispatchLocked(time.Now())
		p.mu.Unlock()

		if ctx.Err() != nil {
			p.closeConn(pc, event.ClosedError, err)
			p.closeAll(discarded)
			return nil, checkOutFailed(event.FailedTimeout, ctx.Err())
		}
		estErr := apperrors.NewEstablishError(p.address.String(), err)
		p.closeConn(pc, event.ClosedError, estErr)
		p.closeAll(discarded)
		p.reportEstablishError(pc, estErr)
		return nil, checkOutFailed(event.FailedConnectionError, estErr)
	}

	p.mu.Lock()
	p.pending--
	if p.state == StateClosed {
		p.total--
		p.mu.Unlock()
		p.closeConn(pc, event.ClosedPoolClosed, nil)
		return nil, checkOutFailed(event.FailedPoolClosed, nil)
	}
	if pc.generation < p.generation {
		p.total--
		discarded := p.dispatchLocked(time.Now())
		p.mu.Unlock()
		p.closeConn(pc, event.ClosedStale, nil)
		p.closeAll(discarded)
		return nil, nil
	}
	p.checkOutLocked(pc, time.Now())
	p.mu.Unlock()
	return pc, nil
}

// establish opens a new connection. The caller must hold a permit, which is
// released before establish returns. The returned pooledConn is non-nil even
// on failure, so the caller can emit its ConnectionClosed.
func (p *Pool) establish(ctx context.Context) (*pooledConn, error) {
	defer p.permits.Release(1)

	p.mu.Lock()
	p.nextID++
	pc := &pooledConn{id: p.nextID, generation: p.generation}
	p.mu.Unlock()

	atomic.AddUint64(&p.createdCount, 1)
	p.emit(event.Event{Type: event.ConnectionCreated, ConnectionID: pc.id, Generation: pc.generation})

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.EstablishTimeout)
	defer cancel()

	start := time.Now()
	t, err := p.establisher.Establish(dialCtx, p.address, EstablishOptions{
		TLS:       p.opts.TLS,
		ServerAPI: p.opts.ServerAPI,
	})
	if err != nil {
		log.WithField("address", p.address.String()).
			WithField("connectionId", pc.id).
			WithError(err).
			Debug("failed to establish connection")
		return pc, err
	}

	pc.transport = t
	pc.createdAt = time.Now()
	pc.lastUsed = pc.createdAt
	p.emit(event.Event{
		Type:         event.ConnectionReady,
		ConnectionID: pc.id,
		Generation:   pc.generation,
		Duration:     time.Since(start),
	})
	log.WithField("address", p.address.String()).
		WithField("connectionId", pc.id).
		Debug("established connection")
	return pc, nil
}

// reportEstablishError sends a failed establishment upstream.
func (p *Pool) reportEstablishError(pc *pooledConn, err error) *topology.AckReceiver {
	return p.updater.ReportApplicationError(topology.ApplicationError{
		PoolID:       p.id,
		Address:      p.address,
		ConnectionID: pc.id,
		Generation:   pc.generation,
		Phase:        topology.PhaseEstablish,
		Err:          err,
	})
}
