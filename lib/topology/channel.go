package topology

import (
	"context"
	"sync"

	apperrors "github.com/go-i2p/cmap/lib/errors"
)

// Acknowledger is the monitor's half of an acknowledgement. Acknowledge may be
// called any number of times; only the first call is delivered.
type Acknowledger struct {
	once sync.Once
	ch   chan bool
}

func newAck() (*Acknowledger, *AckReceiver) {
	ch := make(chan bool, 1)
	return &Acknowledger{ch: ch}, &AckReceiver{ch: ch}
}

// Acknowledge tells the sender the message was handled. The value is
// policy-defined; the pool treats it as "the monitor acted".
func (a *Acknowledger) Acknowledge(v bool) {
	a.once.Do(func() {
		a.ch <- v
		close(a.ch)
	})
}

// drop resolves the acknowledgement without a value.
func (a *Acknowledger) drop() {
	a.once.Do(func() {
		close(a.ch)
	})
}

// AckReceiver is the sender's half of an acknowledgement.
type AckReceiver struct {
	ch chan bool
}

// Dropped returns a receiver for a message that was never sent. Its Wait
// returns ErrNotAcknowledged.
func Dropped() *AckReceiver {
	ack, recv := newAck()
	ack.drop()
	return recv
}

// Wait blocks until the monitor acknowledges the message or ctx is done.
// It returns ErrNotAcknowledged if the message was dropped unacknowledged.
func (r *AckReceiver) Wait(ctx context.Context) (bool, error) {
	select {
	case v, ok := <-r.ch:
		if !ok {
			return false, apperrors.ErrNotAcknowledged
		}
		return v, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Envelope is a delivered message paired with its acknowledgement.
type Envelope struct {
	msg UpdateMessage
	ack *Acknowledger
}

// Message returns the carried message.
func (e Envelope) Message() UpdateMessage { return e.msg }

// IntoParts splits the envelope into its message and acknowledger.
func (e Envelope) IntoParts() (UpdateMessage, *Acknowledger) {
	return e.msg, e.ack
}

// mailbox is an unbounded FIFO so that senders never block on the monitor.
type mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool
	notify chan struct{}
}

// Updater is the pool-side endpoint of the topology channel. A nil *Updater
// is valid and drops every message.
type Updater struct {
	mb *mailbox
}

// Receiver is the monitor-side endpoint of the topology channel.
type Receiver struct {
	mb *mailbox
}

// Channel creates a connected Updater and Receiver.
func Channel() (*Updater, *Receiver) {
	mb := &mailbox{notify: make(chan struct{}, 1)}
	return &Updater{mb: mb}, &Receiver{mb: mb}
}

// Send enqueues msg for the monitor without blocking. The returned receiver
// resolves when the monitor acknowledges the message.
func (u *Updater) Send(msg UpdateMessage) (*AckReceiver, error) {
	ack, recv := newAck()
	if u == nil || u.mb == nil {
		ack.drop()
		return recv, apperrors.ErrUpdaterClosed
	}

	u.mb.mu.Lock()
	if u.mb.closed {
		u.mb.mu.Unlock()
		ack.drop()
		return recv, apperrors.ErrUpdaterClosed
	}
	u.mb.queue = append(u.mb.queue, Envelope{msg: msg, ack: ack})
	u.mb.mu.Unlock()

	select {
	case u.mb.notify <- struct{}{}:
	default:
	}
	return recv, nil
}

// ReportApplicationError sends an ApplicationError. Delivery failures are
// logged, never returned: reporting is best effort for the pool.
func (u *Updater) ReportApplicationError(e ApplicationError) *AckReceiver {
	recv, err := u.Send(e)
	if err != nil {
		log.WithField("address", e.Address.String()).WithError(err).Warn("could not report application error")
	}
	return recv
}

// Recv returns the next message, blocking until one is available, the
// channel is closed, or ctx is done.
func (r *Receiver) Recv(ctx context.Context) (Envelope, error) {
	for {
		r.mb.mu.Lock()
		if len(r.mb.queue) > 0 {
			env := r.mb.queue[0]
			r.mb.queue[0] = Envelope{}
			r.mb.queue = r.mb.queue[1:]
			r.mb.mu.Unlock()
			return env, nil
		}
		closed := r.mb.closed
		r.mb.mu.Unlock()

		if closed {
			return Envelope{}, apperrors.ErrUpdaterClosed
		}

		select {
		case <-r.mb.notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (r *Receiver) Len() int {
	r.mb.mu.Lock()
	defer r.mb.mu.Unlock()
	return len(r.mb.queue)
}

// Close closes the channel. Pending messages are dropped and their senders
// observe ErrNotAcknowledged; later sends fail with ErrUpdaterClosed.
func (r *Receiver) Close() {
	r.mb.mu.Lock()
	if r.mb.closed {
		r.mb.mu.Unlock()
		return
	}
	r.mb.closed = true
	pending := r.mb.queue
	r.mb.queue = nil
	r.mb.mu.Unlock()

	for _, env := range pending {
		env.ack.drop()
	}
	select {
	case r.mb.notify <- struct{}{}:
	default:
	}
}
