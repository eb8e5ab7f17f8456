package pool

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
)

var (
	// populateRetryInterval paces background establishments after a failure.
	populateRetryInterval = time.Second
	// ackTimeout bounds how long maintenance waits for the monitor to handle
	// a failed establishment.
	ackTimeout = 10 * time.Second
)

// maintain is the background maintenance loop. It prunes expired idle
// connections and keeps MinPoolSize connections established. It wakes on
// signal, on the next idle deadline and exits when the pool closes.
func (p *Pool) maintain() {
	defer close(p.maintDone)

	m := &maintainer{limiter: rate.NewLimiter(rate.Every(populateRetryInterval), 1)}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next := p.runMaintenance(m)
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// maintainer is the state of the maintenance goroutine.
type maintainer struct {
	limiter *rate.Limiter
	// failed is set after a failed establishment; the next attempt waits
	// for the limiter.
	failed bool
}

// runMaintenance does one maintenance pass and returns the next idle expiry
// deadline, or the zero time if there is none.
func (p *Pool) runMaintenance(m *maintainer) time.Time {
	p.prune()
	for p.populateOnce(m) {
	}
	return p.nextExpiry()
}

// prune closes idle connections that have been idle past MaxIdleTime.
func (p *Pool) prune() {
	if p.opts.MaxIdleTime <= 0 {
		return
	}

	now := time.Now()
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	var expired []closing
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if p.perished(pc, now) {
			expired = append(expired, closing{pc: pc, reason: event.ClosedIdle})
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.total -= len(expired)
	if len(expired) == 0 {
		p.mu.Unlock()
		return
	}
	p.outstanding++
	discarded := p.dispatchLocked(now)
	p.mu.Unlock()

	p.closeAll(expired)
	p.closeAll(discarded)
	log.WithField("address", p.address.String()).
		WithField("closed", len(expired)).
		Debug("maintenance removed idle connections")
	p.leave()
}

// populateOnce establishes one connection toward MinPoolSize. It reports
// whether another attempt should follow immediately.
func (p *Pool) populateOnce(m *maintainer) bool {
	p.mu.Lock()
	if p.state != StateReady || p.total >= p.opts.MinPoolSize || p.total >= p.opts.MaxPoolSize {
		p.mu.Unlock()
		return false
	}
	p.reserveLocked()
	p.outstanding++
	p.mu.Unlock()
	defer p.leave()

	abort := func() {
		p.mu.Lock()
		p.unreserveLocked()
		discarded := p.dispatchLocked(time.Now())
		p.mu.Unlock()
		p.closeAll(discarded)
	}

	if m.failed {
		if err := m.limiter.Wait(p.ctx); err != nil {
			abort()
			return false
		}
	}
	if err := p.permits.Acquire(p.ctx, 1); err != nil {
		abort()
		return false
	}

	pc, err := p.establish(p.ctx)
	if err != nil {
		abort()
		if p.ctx.Err() != nil {
			p.closeConn(pc, event.ClosedPoolClosed, err)
			return false
		}
		m.failed = true
		estErr := apperrors.NewEstablishError(p.address.String(), err)
		p.closeConn(pc, event.ClosedError, estErr)
		log.WithField("address", p.address.String()).
			WithError(err).
			Warn("background establishment failed")

		// The monitor's reaction (usually a clear) must be in place before
		// population resumes.
		ack := p.reportEstablishError(pc, estErr)
		ctx, cancel := context.WithTimeout(p.ctx, ackTimeout)
		_, ackErr := ack.Wait(ctx)
		cancel()
		if ackErr != nil {
			log.WithField("address", p.address.String()).
				WithError(ackErr).
				Debug("establishment failure not acknowledged")
		}
		return p.ctx.Err() == nil
	}

	m.failed = false

	now := time.Now()
	p.mu.Lock()
	p.pending--
	var reason event.ConnectionClosedReason
	switch {
	case p.state == StateClosed:
		reason = event.ClosedPoolClosed
	case pc.generation < p.generation:
		reason = event.ClosedStale
	}
	if reason != 0 {
		p.total--
		p.mu.Unlock()
		p.closeConn(pc, reason, nil)
		return reason == event.ClosedStale
	}
	pc.lastUsed = now
	p.idle = append(p.idle, pc)
	discarded := p.dispatchLocked(now)
	p.mu.Unlock()

	p.closeAll(discarded)
	return true
}

// nextExpiry returns when the least recently used idle connection expires.
func (p *Pool) nextExpiry() time.Time {
	if p.opts.MaxIdleTime <= 0 {
		return time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return time.Time{}
	}
	return p.idle[0].lastUsed.Add(p.opts.MaxIdleTime)
}
