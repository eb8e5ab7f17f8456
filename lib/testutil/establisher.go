// Package testutil provides in-memory fakes for testing connection pools
// without a real server.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/cmap/lib/address"
)

// ErrInjected is the default error returned by injected establishment failures.
var ErrInjected = errors.New("testutil: injected establishment failure")

// FakeTransport is an in-memory transport.
type FakeTransport struct {
	ID      int64
	Address address.Address

	closed atomic.Bool
}

// Close marks the transport closed.
func (t *FakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (t *FakeTransport) IsClosed() bool {
	return t.closed.Load()
}

// FakeEstablisher creates FakeTransports with configurable delay and
// failure injection. It records how many establishments ran concurrently.
type FakeEstablisher struct {
	mu         sync.Mutex
	delay      time.Duration
	failNext   int
	failAll    bool
	failErr    error
	gate       chan struct{}
	transports []*FakeTransport

	attempts    int64
	failures    int64
	inFlight    int64
	maxInFlight int64
}

// NewFakeEstablisher creates an establisher that succeeds immediately.
func NewFakeEstablisher() *FakeEstablisher {
	return &FakeEstablisher{}
}

// SetDelay makes every establishment take d.
func (f *FakeEstablisher) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// FailNext makes the next n establishments fail with err, or ErrInjected if
// err is nil.
func (f *FakeEstablisher) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

// FailAll makes every establishment fail until Heal is called.
func (f *FakeEstablisher) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
	f.failErr = err
}

// Heal clears injected failures.
func (f *FakeEstablisher) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = false
	f.failNext = 0
}

// Block makes establishments wait until Unblock is called.
func (f *FakeEstablisher) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Unblock releases establishments held by Block.
func (f *FakeEstablisher) Unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Dial establishes a FakeTransport to addr.
func (f *FakeEstablisher) Dial(ctx context.Context, addr address.Address) (*FakeTransport, error) {
	id := atomic.AddInt64(&f.attempts, 1)
	n := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		max := atomic.LoadInt64(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt64(&f.maxInFlight, max, n) {
			break
		}
	}

	f.mu.Lock()
	delay, gate := f.delay, f.gate
	var fail error
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		fail = f.failErr
		if fail == nil {
			fail = ErrInjected
		}
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			atomic.AddInt64(&f.failures, 1)
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			atomic.AddInt64(&f.failures, 1)
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		atomic.AddInt64(&f.failures, 1)
		return nil, fail
	}

	t := &FakeTransport{ID: id, Address: addr}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

// Attempts returns the number of establishments started.
func (f *FakeEstablisher) Attempts() int {
	return int(atomic.LoadInt64(&f.attempts))
}

// Failures returns the number of establishments that failed.
func (f *FakeEstablisher) Failures() int {
	return int(atomic.LoadInt64(&f.failures))
}

// InFlight returns the number of establishments currently running.
func (f *FakeEstablisher) InFlight() int {
	return int(atomic.LoadInt64(&f.inFlight))
}

// MaxInFlight returns the highest number of concurrent establishments seen.
func (f *FakeEstablisher) MaxInFlight() int {
	return int(atomic.LoadInt64(&f.maxInFlight))
}

// Transports returns every transport established so far.
func (f *FakeEstablisher) Transports() []*FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeTransport, len(f.transports))
	copy(out, f.transports)
	return out
}

// OpenTransports returns the number of established transports not yet closed.
func (f *FakeEstablisher) OpenTransports() int {
	n := 0
	for _, t := range f.Transports() {
		if !t.IsClosed() {
			n++
		}
	}
	return n
}
