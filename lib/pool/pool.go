package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/event"
	"github.com/go-i2p/cmap/lib/topology"
)

// State is the lifecycle state of a pool.
type State int32

const (
	// StatePaused pools hold checkouts until they are marked ready.
	StatePaused State = iota
	// StateReady pools serve checkouts.
	StateReady
	// StateClosed pools fail every operation.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closing is a connection that has left the pool and still needs its
// ConnectionClosed event and transport close.
type closing struct {
	pc     *pooledConn
	reason event.ConnectionClosedReason
	err    error
}

// Pool is a CMAP connection pool for a single server.
type Pool struct {
	id          uuid.UUID
	address     address.Address
	opts        Options
	establisher Establisher
	updater     *topology.Updater
	handler     event.Handler
	permits     *semaphore.Weighted

	mu         sync.Mutex
	state      State
	generation uint64
	nextID     uint64
	idle       []*pooledConn // least recently used first
	total      int           // idle + checked out + reserved establishments
	checkedOut int
	pending    int
	waiters    *list.List
	readying   bool // PoolReady is being emitted

	// outstanding counts the parties that may still emit events: in-flight
	// checkouts, checked out connections and background establishments.
	// PoolClosed is emitted when it drops to zero after Close.
	outstanding   int
	closedEmitted bool

	maintStarted bool
	maintDone    chan struct{}
	wake         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc

	// Metrics
	checkOutCount   uint64
	checkOutSuccess uint64
	checkOutFailed  uint64
	checkInCount    uint64
	createdCount    uint64
	closedCount     uint64
	clearCount      uint64
}

// New creates a paused pool for addr. It establishes nothing until the pool
// is marked ready or a checkout needs a connection. A nil updater drops
// upstream reports; a nil handler discards events.
func New(addr address.Address, opts Options, establisher Establisher, updater *topology.Updater, handler event.Handler) (*Pool, error) {
	if establisher == nil {
		return nil, fmt.Errorf("%w: establisher is required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if handler == nil {
		handler = event.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		id:          uuid.New(),
		address:     addr.Canonicalize(),
		opts:        opts,
		establisher: establisher,
		updater:     updater,
		handler:     handler,
		permits:     semaphore.NewWeighted(int64(opts.MaxConnecting)),
		state:       StatePaused,
		waiters:     list.New(),
		maintDone:   make(chan struct{}),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	p.emit(event.Event{Type: event.PoolCreated, Options: opts.eventOptions()})
	log.WithField("address", p.address.String()).
		WithField("poolId", p.id.String()).
		WithField("maxPoolSize", opts.MaxPoolSize).
		WithField("minPoolSize", opts.MinPoolSize).
		Info("pool created")
	return p, nil
}

// ID returns the pool instance id carried by events and upstream reports.
func (p *Pool) ID() uuid.UUID { return p.id }

// Address returns the server address.
func (p *Pool) Address() address.Address { return p.address }

// Options returns the effective options.
func (p *Pool) Options() Options { return p.opts }

// Generation returns the current generation.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// State returns the current state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkAsReady moves a paused pool to ready, serves held checkouts in arrival
// order and starts background maintenance. It is a no-op unless the pool is paused.
func (p *Pool) MarkAsReady() {
	p.mu.Lock()
	if p.state != StatePaused || p.readying {
		p.mu.Unlock()
		return
	}
	p.readying = true
	p.outstanding++
	p.mu.Unlock()
	defer p.leave()

	// PoolReady precedes every event of a checkout it releases.
	p.emit(event.Event{Type: event.PoolReady})

	p.mu.Lock()
	p.readying = false
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StateReady
	start := !p.maintStarted
	p.maintStarted = true
	discarded := p.dispatchLocked(time.Now())
	p.mu.Unlock()

	p.closeAll(discarded)
	if start {
		go p.maintain()
	} else {
		p.signal()
	}
	log.WithField("address", p.address.String()).Info("pool ready")
}

// Clear invalidates every existing connection by bumping the generation.
// Idle connections are closed now; checked out ones when they are released.
func (p *Pool) Clear(cause error) {
	p.clear(cause, false)
}

// ClearAndPause clears the pool and moves it back to paused.
func (p *Pool) ClearAndPause(cause error) {
	p.clear(cause, true)
}

func (p *Pool) clear(cause error, pause bool) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.outstanding++
	p.generation++
	generation := p.generation
	purged := make([]closing, 0, len(p.idle))
	for _, pc := range p.idle {
		purged = append(purged, closing{pc: pc, reason: event.ClosedStale})
	}
	p.total -= len(p.idle)
	p.idle = nil
	if pause && p.state == StateReady {
		p.state = StatePaused
	}
	purged = append(purged, p.dispatchLocked(time.Now())...)
	p.mu.Unlock()

	atomic.AddUint64(&p.clearCount, 1)
	p.emit(event.Event{Type: event.PoolCleared, Generation: generation, Err: cause})
	p.closeAll(purged)
	p.signal()
	log.WithField("address", p.address.String()).
		WithField("generation", generation).
		WithField("paused", pause).
		WithError(cause).
		Info("pool cleared")
	p.leave()
}

// Close closes the pool. Idle connections are closed immediately, pending
// checkouts fail and connections still checked out are closed when they are
// released. PoolClosed is emitted once every outstanding checkout and
// connection has finished.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.state = StateClosed
	p.outstanding++
	idle := make([]closing, 0, len(p.idle))
	for _, pc := range p.idle {
		idle = append(idle, closing{pc: pc, reason: event.ClosedPoolClosed})
	}
	p.total -= len(p.idle)
	p.idle = nil
	for p.waiters.Len() > 0 {
		w := p.popWaiterLocked()
		w.grant <- grant{err: ErrPoolClosed}
	}
	started := p.maintStarted
	p.mu.Unlock()

	p.cancel()
	p.closeAll(idle)
	if started {
		<-p.maintDone
	}
	log.WithField("address", p.address.String()).Info("pool closing")
	p.leave()
	return nil
}

// Manager returns a handle the topology monitor uses to control the pool.
func (p *Pool) Manager() Manager {
	return Manager{pool: p}
}

// leave ends an outstanding party and emits PoolClosed if it was the last
// one after Close.
func (p *Pool) leave() {
	p.mu.Lock()
	p.outstanding--
	emit := p.state == StateClosed && p.outstanding == 0 && !p.closedEmitted
	if emit {
		p.closedEmitted = true
	}
	p.mu.Unlock()

	if emit {
		p.emit(event.Event{Type: event.PoolClosed})
		log.WithField("address", p.address.String()).Info("pool closed")
	}
}

// emit stamps e with the pool identity and delivers it.
func (p *Pool) emit(e event.Event) {
	e.Time = time.Now()
	e.PoolID = p.id
	e.Address = p.address
	p.handler.HandleEvent(e)
}

// signal wakes the maintenance goroutine without blocking.
func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// closeConn emits ConnectionClosed and closes the transport in the background.
func (p *Pool) closeConn(pc *pooledConn, reason event.ConnectionClosedReason, err error) {
	atomic.AddUint64(&p.closedCount, 1)
	p.emit(event.Event{
		Type:         event.ConnectionClosed,
		ConnectionID: pc.id,
		Generation:   pc.generation,
		ClosedReason: reason,
		Err:          err,
	})
	if pc.transport == nil {
		return
	}
	go func(id uint64, t Transport) {
		if err := t.Close(); err != nil {
			log.WithField("connectionId", id).WithError(err).Debug("error closing transport")
		}
	}(pc.id, pc.transport)
}

func (p *Pool) closeAll(cs []closing) {
	for _, c := range cs {
		p.closeConn(c.pc, c.reason, c.err)
	}
}

// perished reports whether pc has been idle longer than MaxIdleTime.
func (p *Pool) perished(pc *pooledConn, now time.Time) bool {
	return p.opts.MaxIdleTime > 0 && now.Sub(pc.lastUsed) > p.opts.MaxIdleTime
}

// popIdleLocked pops the most recently used idle connection that is neither
// stale nor expired. Skipped connections are removed and returned for closing.
func (p *Pool) popIdleLocked(now time.Time) (*pooledConn, []closing) {
	var discarded []closing
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]

		switch {
		case pc.generation < p.generation:
			p.total--
			discarded = append(discarded, closing{pc: pc, reason: event.ClosedStale})
		case p.perished(pc, now):
			p.total--
			discarded = append(discarded, closing{pc: pc, reason: event.ClosedIdle})
		default:
			return pc, discarded
		}
	}
	return nil, discarded
}

// checkOutLocked marks pc as checked out. The connection becomes an
// outstanding party until it is checked in.
func (p *Pool) checkOutLocked(pc *pooledConn, now time.Time) {
	pc.checkedOut = true
	pc.lastUsed = now
	p.checkedOut++
	p.outstanding++
}

// reserveLocked reserves capacity for one establishment.
func (p *Pool) reserveLocked() {
	p.total++
	p.pending++
}

// unreserveLocked gives back a reservation whose establishment did not
// produce a pooled connection.
func (p *Pool) unreserveLocked() {
	p.total--
	p.pending--
}
