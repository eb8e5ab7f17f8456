package dialer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-i2p/onramp"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/pool"
)

// DefaultSAMAddress is the default SAM bridge address.
const DefaultSAMAddress = "127.0.0.1:7656"

// Garlic dials I2P destinations through a SAM bridge. The I2P session is
// opened on the first Establish and shared by every connection after that.
type Garlic struct {
	mu sync.Mutex

	// Configuration
	name    string
	samAddr string
	options []string

	garlic *onramp.Garlic
	closed bool
}

// NewGarlic creates an I2P dialer. If options is empty,
// onramp.OPT_DEFAULTS is used.
func NewGarlic(name, samAddr string, options []string) *Garlic {
	if samAddr == "" {
		samAddr = DefaultSAMAddress
	}
	return &Garlic{
		name:    name,
		samAddr: samAddr,
		options: options,
	}
}

// session returns the shared onramp session, opening it if needed.
func (g *Garlic) session() (*onramp.Garlic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, net.ErrClosed
	}
	if g.garlic != nil {
		return g.garlic, nil
	}

	options := g.options
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}
	garlic, err := onramp.NewGarlic(g.name, g.samAddr, options)
	if err != nil {
		return nil, fmt.Errorf("dialer: open i2p session: %w", err)
	}
	g.garlic = garlic
	log.WithField("name", g.name).WithField("samAddress", g.samAddr).Debug("opened i2p session")
	return garlic, nil
}

// Establish implements pool.Establisher.
func (g *Garlic) Establish(ctx context.Context, addr address.Address, opts pool.EstablishOptions) (pool.Transport, error) {
	if !addr.IsI2P() {
		return nil, fmt.Errorf("%w: %s is not an i2p destination", ErrUnsupportedNetwork, addr)
	}

	garlic, err := g.session()
	if err != nil {
		return nil, err
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := garlic.Dial("tcp", addr.Host())
		done <- result{conn, err}
	}()

	var conn net.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		conn = r.conn
	case <-ctx.Done():
		// Close the connection if the dial completes after we gave up.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if opts.TLS != nil {
		conn, err = clientTLS(ctx, conn, addr, opts.TLS)
		if err != nil {
			return nil, err
		}
	}

	log.WithField("address", addr.String()).Debug("dialed i2p destination")
	return &Conn{Conn: conn, ServerAPI: opts.ServerAPI}, nil
}

// Close shuts down the I2P session.
func (g *Garlic) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	if g.garlic == nil {
		return nil
	}
	err := g.garlic.Close()
	g.garlic = nil
	if err != nil {
		log.WithError(err).Warn("error closing i2p session")
	}
	return err
}
