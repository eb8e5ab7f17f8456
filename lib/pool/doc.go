// Package pool implements a CMAP connection pool for a single database server.
//
// The pool supports:
//   - A hard capacity (MaxPoolSize) shared by idle and checked out connections
//   - A bound on concurrent connection establishments (MaxConnecting)
//   - FIFO fairness between checkout requests
//   - Generation based invalidation (Clear) with lazy closing of checked out connections
//   - Idle expiry (MaxIdleTime)
//   - Background population up to MinPoolSize once the pool is ready
//   - Lifecycle events delivered to an injected event.Handler
//   - Error reporting to the topology monitor through a topology.Updater
//
// # Basic Usage
//
//	updater, receiver := topology.Channel()
//	p, err := pool.New("db.example.com:27017", pool.DefaultOptions(), dialer.NewTCP(), updater, nil)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	monitor := topology.NewMonitor(receiver, p.Manager(), nil)
//	monitor.Start(ctx)
//	defer monitor.Stop()
//
//	p.MarkAsReady()
//
//	conn, err := p.CheckOut(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Release()
//
//	// Use conn.Transport()...
//
// # Readiness
//
// A new pool is paused. Checkouts issued while the pool is paused wait until
// the topology monitor marks it ready, the pool is closed, or their deadline
// passes.
//
// # Release
//
// Connections are returned with Release, usually deferred right after a
// successful CheckOut. Release never blocks: the check-in runs on its own
// goroutine. Calling Release more than once is a no-op.
package pool
