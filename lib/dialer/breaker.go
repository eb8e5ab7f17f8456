package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/cmap/lib/address"
	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/pool"
)

// ErrCircuitOpen is returned while a Breaker rejects establishments.
var ErrCircuitOpen = apperrors.ErrCircuitOpen

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes every establishment through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects establishments until the cooldown passes.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of trial establishments through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing trials.
	Cooldown time.Duration
	// MaxTrials is the number of establishments allowed while half-open.
	MaxTrials int
}

// DefaultBreakerConfig returns defaults suited to a slow I2P SAM bridge.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxTrials:        1,
	}
}

// Breaker wraps an establisher and fails fast after repeated failures, so
// checkouts don't each wait out a dial against a dead endpoint.
type Breaker struct {
	next pool.Establisher
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	trials   int
	openedAt time.Time
}

// NewBreaker wraps next. Zero config fields take their defaults.
func NewBreaker(next pool.Establisher, cfg BreakerConfig) *Breaker {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = d.MaxTrials
	}
	return &Breaker{next: next, cfg: cfg, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Establish implements pool.Establisher.
func (b *Breaker) Establish(ctx context.Context, addr address.Address, opts pool.EstablishOptions) (pool.Transport, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}

	t, err := b.next.Establish(ctx, addr, opts)
	switch {
	case err == nil:
		b.record(true)
	case ctx.Err() != nil:
		// Cancellation says nothing about the endpoint.
		b.release()
	default:
		b.record(false)
	}
	return t, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
		fallthrough
	case BreakerHalfOpen:
		if b.trials >= b.cfg.MaxTrials {
			return false
		}
		b.trials++
		return true
	}
	return false
}

// release returns a half-open trial slot without a verdict.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state != BreakerClosed {
			b.transition(BreakerClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.trials = 0
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	log.WithField("from", from.String()).
		WithField("to", to.String()).
		WithField("failures", b.failures).
		Info("establish breaker state transition")
}
