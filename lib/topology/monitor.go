package topology

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/go-i2p/cmap/lib/errors"
)

// Controller is the set of pool control operations a monitor may invoke.
// pool.Manager implements it.
type Controller interface {
	Clear(cause error)
	ClearAndPause(cause error)
	MarkAsReady()
	Generation() uint64
}

// Decision is a policy's verdict on a message.
type Decision struct {
	// Clear bumps the pool generation and purges idle connections.
	Clear bool
	// Pause additionally pauses the pool until a later Ready decision.
	Pause bool
	// Ready marks the pool ready.
	Ready bool
}

// Policy decides how the monitor reacts to a message.
type Policy func(UpdateMessage) Decision

// ClearOnNetworkError clears and pauses the pool for network errors, ignores
// other application errors and marks the pool ready when the server is
// reported healthy.
func ClearOnNetworkError(msg UpdateMessage) Decision {
	switch m := msg.(type) {
	case ApplicationError:
		if m.IsNetworkError() {
			return Decision{Clear: true, Pause: true}
		}
	case ServerHealthy:
		return Decision{Ready: true}
	}
	return Decision{}
}

// AlwaysClear clears the pool, without pausing it, for every application
// error and marks the pool ready when the server is reported healthy.
func AlwaysClear(msg UpdateMessage) Decision {
	switch msg.(type) {
	case ApplicationError:
		return Decision{Clear: true}
	case ServerHealthy:
		return Decision{Ready: true}
	}
	return Decision{}
}

// Monitor drains a Receiver and applies a Policy to a single pool.
type Monitor struct {
	recv   *Receiver
	ctl    Controller
	policy Policy

	// IgnoreStaleErrors skips application errors whose generation is older
	// than the pool's current generation. Default: true
	IgnoreStaleErrors bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	handled uint64
}

// NewMonitor creates a monitor. A nil policy means ClearOnNetworkError.
func NewMonitor(recv *Receiver, ctl Controller, policy Policy) *Monitor {
	if policy == nil {
		policy = ClearOnNetworkError
	}
	return &Monitor{
		recv:              recv,
		ctl:               ctl,
		policy:            policy,
		IgnoreStaleErrors: true,
	}
}

// Run processes messages until ctx is done or the receiver is closed.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		env, err := m.recv.Recv(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrUpdaterClosed) {
				return nil
			}
			return err
		}

		msg, ack := env.IntoParts()
		acted := m.apply(msg)
		ack.Acknowledge(acted)

		m.mu.Lock()
		m.handled++
		m.mu.Unlock()
	}
}

func (m *Monitor) apply(msg UpdateMessage) bool {
	if appErr, ok := msg.(ApplicationError); ok && m.IgnoreStaleErrors {
		if appErr.Generation < m.ctl.Generation() {
			log.WithField("address", appErr.Address.String()).
				WithField("generation", appErr.Generation).
				Debug("ignoring error from stale generation")
			return false
		}
	}

	d := m.policy(msg)
	var cause error
	if appErr, ok := msg.(ApplicationError); ok {
		cause = appErr.Err
	}

	switch {
	case d.Clear && d.Pause:
		log.WithField("address", msg.ServerAddress().String()).WithError(cause).Info("clearing and pausing pool")
		m.ctl.ClearAndPause(cause)
	case d.Clear:
		log.WithField("address", msg.ServerAddress().String()).WithError(cause).Info("clearing pool")
		m.ctl.Clear(cause)
	}
	if d.Ready {
		log.WithField("address", msg.ServerAddress().String()).Debug("marking pool ready")
		m.ctl.MarkAsReady()
	}
	return d.Clear || d.Ready
}

// Start runs the monitor on its own goroutine until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("topology monitor stopped")
		}
	}(m.done)
}

// Stop cancels a monitor started with Start and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Handled returns how many messages the monitor has processed.
func (m *Monitor) Handled() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled
}
