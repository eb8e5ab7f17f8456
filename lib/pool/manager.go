package pool

import "github.com/go-i2p/cmap/lib/topology"

// Manager is a handle used by the topology monitor to control a pool. It is
// a small value type; copies refer to the same pool.
type Manager struct {
	pool *Pool
}

var _ topology.Controller = Manager{}

// Clear bumps the pool's generation and closes its idle connections.
func (m Manager) Clear(cause error) {
	m.pool.Clear(cause)
}

// ClearAndPause clears the pool and holds further checkouts until it is
// marked ready again.
func (m Manager) ClearAndPause(cause error) {
	m.pool.ClearAndPause(cause)
}

// MarkAsReady lets the pool serve checkouts.
func (m Manager) MarkAsReady() {
	m.pool.MarkAsReady()
}

// Generation returns the pool's current generation.
func (m Manager) Generation() uint64 {
	return m.pool.Generation()
}
