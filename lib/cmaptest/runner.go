package cmaptest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/cmap/lib/address"
	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
	"github.com/go-i2p/cmap/lib/pool"
	"github.com/go-i2p/cmap/lib/testutil"
	"github.com/go-i2p/cmap/lib/topology"
)

// EventTimeout bounds every wait for an asynchronously emitted event.
const EventTimeout = 3 * time.Second

// ServerAddress is the address scenarios run against.
const ServerAddress = address.Address("localhost:27017")

// errClear is the cause passed to clear operations.
var errClear = errors.New("cmaptest: clear operation")

// harnessError is a failure of the runner itself rather than of an
// operation. It fails the scenario immediately.
type harnessError struct {
	err error
}

func (e harnessError) Error() string { return e.err.Error() }

func harnessErrorf(format string, args ...any) error {
	return harnessError{fmt.Errorf(format, args...)}
}

// Run executes a scenario against a fresh pool backed by an in-memory
// establisher. A mock monitor clears the pool for every application error it
// receives and acknowledges it.
func Run(t *testing.T, f *TestFile) {
	t.Helper()
	if f.Skip != "" {
		t.Skip(f.Skip)
	}

	r := newRunner(t, f)
	defer r.shutdown()

	var opErr error
	for _, op := range f.Operations {
		err := r.dispatch(op)
		var he harnessError
		if errors.As(err, &he) {
			require.NoError(t, he.err, f.Description)
		}
		if opErr == nil {
			opErr = err
		}
	}

	switch {
	case f.Error != nil:
		require.Error(t, opErr, "%s: expected %s, but no error occurred", f.Description, f.Error.Type)
		assertErrorType(t, f.Error, opErr)
	default:
		require.NoError(t, opErr, "%s: expected no error", f.Description)
	}

	filter := func(e event.Event) bool { return !r.ignored[e.Type.Name()] }
	for _, want := range f.Events {
		got, ok := r.sub.WaitForEvent(EventTimeout, filter)
		require.True(t, ok, "%s: did not receive expected event %s", f.Description, want.Type)
		require.NoError(t, matchEvent(want, got), f.Description)
	}
	assert.Empty(t, r.sub.All(filter), "%s: unexpected events", f.Description)
}

type runner struct {
	t       *testing.T
	file    *TestFile
	rec     *event.Recorder
	sub     *event.Subscriber
	est     *testutil.FakeEstablisher
	pool    *pool.Pool
	ignored map[string]bool
	cancel  context.CancelFunc
	monitor chan struct{}

	mu        sync.Mutex
	conns     map[string]*pool.Connection
	unlabeled []*pool.Connection
	threads   map[string]*thread
}

func newRunner(t *testing.T, f *TestFile) *runner {
	est := testutil.NewFakeEstablisher()
	if e := f.Establisher; e != nil {
		est.SetDelay(time.Duration(e.DelayMS) * time.Millisecond)
		if e.FailFirst > 0 {
			est.FailNext(e.FailFirst, nil)
		}
	}

	rec := event.NewRecorder()
	sub := rec.Subscribe()
	updater, receiver := topology.Channel()

	p, err := pool.New(ServerAddress, f.PoolOptions.Options(), pool.EstablisherFunc(
		func(ctx context.Context, addr address.Address, _ pool.EstablishOptions) (pool.Transport, error) {
			tr, err := est.Dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return tr, nil
		}), updater, rec)
	require.NoError(t, err, f.Description)

	ignored := make(map[string]bool, len(f.Ignore))
	for _, name := range f.Ignore {
		ignored[name] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		t:       t,
		file:    f,
		rec:     rec,
		sub:     sub,
		est:     est,
		pool:    p,
		ignored: ignored,
		cancel:  cancel,
		monitor: make(chan struct{}),
		conns:   make(map[string]*pool.Connection),
		threads: make(map[string]*thread),
	}
	go r.runMonitor(ctx, receiver, p.Manager())
	return r
}

// runMonitor clears the pool for every reported application error.
func (r *runner) runMonitor(ctx context.Context, receiver *topology.Receiver, ctl topology.Controller) {
	defer close(r.monitor)
	for {
		env, err := receiver.Recv(ctx)
		if err != nil {
			return
		}
		msg, ack := env.IntoParts()
		if appErr, ok := msg.(topology.ApplicationError); ok {
			ctl.Clear(appErr.Err)
		}
		ack.Acknowledge(true)
	}
}

func (r *runner) shutdown() {
	// Closing first unblocks threads still waiting on a checkout.
	r.pool.Close()

	r.mu.Lock()
	threads := r.threads
	r.threads = map[string]*thread{}
	r.mu.Unlock()
	for _, th := range threads {
		th.stop()
	}

	r.mu.Lock()
	held := r.unlabeled
	for _, c := range r.conns {
		held = append(held, c)
	}
	r.conns, r.unlabeled = nil, nil
	r.mu.Unlock()
	for _, c := range held {
		c.Release()
	}

	r.cancel()
	<-r.monitor
	r.sub.Close()
}

// dispatch runs op on its thread, or inline when it names none.
func (r *runner) dispatch(op Operation) error {
	if op.Thread == "" {
		return r.execute(op)
	}
	r.mu.Lock()
	th, ok := r.threads[op.Thread]
	r.mu.Unlock()
	if !ok {
		return harnessErrorf("operation %s on unknown thread %q", op.Name, op.Thread)
	}
	th.send(op)
	return nil
}

func (r *runner) execute(op Operation) error {
	switch op.Name {
	case "start":
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.threads[op.Target]; ok {
			return harnessErrorf("thread %q already started", op.Target)
		}
		r.threads[op.Target] = startThread(r)
		return nil

	case "wait":
		time.Sleep(time.Duration(op.MS) * time.Millisecond)
		return nil

	case "waitForThread":
		r.mu.Lock()
		th, ok := r.threads[op.Target]
		delete(r.threads, op.Target)
		r.mu.Unlock()
		if !ok {
			return harnessErrorf("waitForThread: unknown thread %q", op.Target)
		}
		return th.stop()

	case "waitForEvent":
		return r.waitForEvent(op)

	case "checkOut":
		conn, err := r.pool.CheckOut(context.Background())
		if err != nil {
			return err
		}
		r.mu.Lock()
		if op.Label != "" {
			r.conns[op.Label] = conn
		} else {
			r.unlabeled = append(r.unlabeled, conn)
		}
		r.mu.Unlock()
		return nil

	case "checkIn":
		r.mu.Lock()
		conn, ok := r.conns[op.Connection]
		delete(r.conns, op.Connection)
		r.mu.Unlock()
		if !ok {
			return harnessErrorf("checkIn: no connection labelled %q", op.Connection)
		}

		sub := r.rec.Subscribe()
		defer sub.Close()
		id := conn.ID()
		conn.Release()
		if _, ok := sub.WaitForEvent(EventTimeout, event.ForConnection(event.CheckedIn, id)); !ok {
			return harnessErrorf("did not receive checkin event after releasing connection %q (id=%d)", op.Connection, id)
		}
		return nil

	case "clear":
		r.pool.Clear(errClear)
		return nil

	case "ready":
		r.pool.MarkAsReady()
		return nil

	case "close":
		sub := r.rec.Subscribe()
		defer sub.Close()
		if err := r.pool.Close(); err != nil {
			return err
		}
		// PoolClosed waits for every checked out connection to come back.
		r.mu.Lock()
		held := len(r.conns) + len(r.unlabeled)
		r.mu.Unlock()
		if held > 0 {
			return nil
		}
		if _, ok := sub.WaitForEvent(EventTimeout, event.OfType(event.PoolClosed)); !ok {
			return harnessErrorf("did not receive %s after closing pool", event.PoolClosed.Name())
		}
		return nil
	}
	return harnessErrorf("unknown operation %q", op.Name)
}

func (r *runner) waitForEvent(op Operation) error {
	typ, ok := event.ParseName(op.Event)
	if !ok {
		return harnessErrorf("waitForEvent: unknown event %q", op.Event)
	}
	timeout := EventTimeout
	if op.Timeout > 0 {
		timeout = time.Duration(op.Timeout) * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for r.rec.Count(typ) < op.Count {
		if time.Now().After(deadline) {
			return harnessErrorf("waiting for %d %s event(s) timed out", op.Count, op.Event)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// thread executes operations sequentially on its own goroutine. The first
// error stops it from running further operations.
type thread struct {
	ops  chan Operation
	done chan struct{}
	err  error
	once sync.Once
}

func startThread(r *runner) *thread {
	th := &thread{
		ops:  make(chan Operation, 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(th.done)
		for op := range th.ops {
			if th.err != nil {
				continue
			}
			th.err = r.execute(op)
		}
	}()
	return th
}

func (th *thread) send(op Operation) {
	th.ops <- op
}

// stop waits for queued operations to finish and returns the first error.
func (th *thread) stop() error {
	th.once.Do(func() { close(th.ops) })
	<-th.done
	return th.err
}

// errorTypes maps scenario error names to the sentinels they match.
var errorTypes = map[string]error{
	"PoolClosedError":       pool.ErrPoolClosed,
	"WaitQueueTimeoutError": pool.ErrWaitQueueTimeout,
	"ConnectionError":       pool.ErrConnectionError,
	"EstablishError":        apperrors.ErrConnection,
}

func assertErrorType(t *testing.T, want *ExpectedError, got error) {
	t.Helper()
	sentinel, ok := errorTypes[want.Type]
	require.True(t, ok, "unknown error type %q", want.Type)
	assert.ErrorIs(t, got, sentinel)
	if want.Message != "" {
		assert.Contains(t, got.Error(), want.Message)
	}
}

// matchEvent reports how got differs from want.
func matchEvent(want ExpectedEvent, got event.Event) error {
	if got.Type.Name() != want.Type {
		return fmt.Errorf("expected event %s, got %s", want.Type, got)
	}
	if id := want.ConnectionID; id != nil && *id != AnyValue && *id != got.ConnectionID {
		return fmt.Errorf("%s: expected connection id %d, got %d", want.Type, *id, got.ConnectionID)
	}
	if want.Reason != "" {
		var reason string
		switch got.Type {
		case event.ConnectionClosed:
			reason = got.ClosedReason.String()
		case event.CheckOutFailed:
			reason = got.FailedReason.String()
		}
		if reason != want.Reason {
			return fmt.Errorf("%s: expected reason %s, got %s", want.Type, want.Reason, reason)
		}
	}
	if want.Options != nil {
		if got.Options == nil {
			return fmt.Errorf("%s: expected options, got none", want.Type)
		}
		if err := matchOptions(want.Options, got.Options); err != nil {
			return fmt.Errorf("%s: %w", want.Type, err)
		}
	}
	return nil
}

func matchOptions(want *PoolOptions, got *event.PoolOptions) error {
	if want.MaxPoolSize != nil && *want.MaxPoolSize != AnyValue && *want.MaxPoolSize != got.MaxPoolSize {
		return fmt.Errorf("expected maxPoolSize %d, got %d", *want.MaxPoolSize, got.MaxPoolSize)
	}
	if want.MinPoolSize != nil && *want.MinPoolSize != AnyValue && *want.MinPoolSize != got.MinPoolSize {
		return fmt.Errorf("expected minPoolSize %d, got %d", *want.MinPoolSize, got.MinPoolSize)
	}
	if ms := want.MaxIdleTimeMS; ms != nil && *ms != AnyValue {
		if d := time.Duration(*ms) * time.Millisecond; d != got.MaxIdleTime {
			return fmt.Errorf("expected maxIdleTime %v, got %v", d, got.MaxIdleTime)
		}
	}
	if want.MaxConnecting != nil && *want.MaxConnecting != AnyValue && *want.MaxConnecting != got.MaxConnecting {
		return fmt.Errorf("expected maxConnecting %d, got %d", *want.MaxConnecting, got.MaxConnecting)
	}
	if ms := want.WaitQueueTimeoutMS; ms != nil && *ms != AnyValue {
		if d := time.Duration(*ms) * time.Millisecond; d != got.WaitQueueTimeout {
			return fmt.Errorf("expected waitQueueTimeout %v, got %v", d, got.WaitQueueTimeout)
		}
	}
	return nil
}
