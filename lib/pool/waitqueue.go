package pool

import (
	"container/list"
	"context"
	"time"
)

// grant resolves a waiter. A grant with a connection hands it over, one with
// an error fails the request, and an empty grant is a reserved slot the
// waiter must fill by establishing a connection.
type grant struct {
	pc  *pooledConn
	err error
}

type waiter struct {
	grant chan grant
	elem  *list.Element
}

// enqueueLocked appends a waiter to the back of the queue.
func (p *Pool) enqueueLocked() *waiter {
	w := &waiter{grant: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	return w
}

// popWaiterLocked removes the longest-waiting request.
func (p *Pool) popWaiterLocked() *waiter {
	w := p.waiters.Remove(p.waiters.Front()).(*waiter)
	w.elem = nil
	return w
}

// dispatchLocked serves queued waiters in FIFO order while the pool is ready,
// first from idle connections and then from free capacity. Idle connections
// skipped on the way are returned for closing.
func (p *Pool) dispatchLocked(now time.Time) []closing {
	var discarded []closing
	for p.state == StateReady && p.waiters.Len() > 0 {
		pc, skipped := p.popIdleLocked(now)
		discarded = append(discarded, skipped...)
		if pc != nil {
			p.checkOutLocked(pc, now)
			p.popWaiterLocked().grant <- grant{pc: pc}
			continue
		}
		if p.total >= p.opts.MaxPoolSize {
			break
		}
		p.reserveLocked()
		p.popWaiterLocked().grant <- grant{}
	}
	return discarded
}

// wait suspends until w is granted or ctx is done. A waiter that was granted
// concurrently with its deadline still takes the grant, so a handed over
// connection or slot is never lost.
func (p *Pool) wait(ctx context.Context, w *waiter) (grant, error) {
	select {
	case g := <-w.grant:
		return g, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		p.mu.Unlock()
		return grant{}, ctx.Err()
	}
	p.mu.Unlock()
	return <-w.grant, nil
}
