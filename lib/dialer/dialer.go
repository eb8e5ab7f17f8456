// Package dialer establishes the transports a connection pool hands out.
//
// TCP dials host:port addresses and unix sockets, optionally wrapping the
// connection in TLS. Garlic dials I2P destinations through a SAM bridge.
// Router picks between them by address network.
package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/pool"
)

// ErrUnsupportedNetwork is returned when no dialer serves an address.
var ErrUnsupportedNetwork = errors.New("dialer: unsupported network")

// Conn is an established transport.
type Conn struct {
	net.Conn
	// ServerAPI is the server API version requested for this connection.
	ServerAPI string
}

// TCP dials TCP and unix socket addresses.
type TCP struct {
	// Timeout bounds the dial when ctx has no deadline.
	// Default: 10 seconds
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period.
	// Default: 2 minutes
	KeepAlive time.Duration
}

// NewTCP creates a TCP dialer with default settings.
func NewTCP() *TCP {
	return &TCP{
		Timeout:   10 * time.Second,
		KeepAlive: 2 * time.Minute,
	}
}

// Establish implements pool.Establisher.
func (d *TCP) Establish(ctx context.Context, addr address.Address, opts pool.EstablishOptions) (pool.Transport, error) {
	network := addr.Network()
	if network != "tcp" && network != "unix" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, addr.String())
	if err != nil {
		return nil, err
	}

	if opts.TLS != nil {
		conn, err = clientTLS(ctx, conn, addr, opts.TLS)
		if err != nil {
			return nil, err
		}
	}

	log.WithField("address", addr.String()).WithField("network", network).Debug("dialed server")
	return &Conn{Conn: conn, ServerAPI: opts.ServerAPI}, nil
}

// clientTLS runs a TLS handshake over conn. The conn is closed on failure.
func clientTLS(ctx context.Context, conn net.Conn, addr address.Address, cfg *tls.Config) (net.Conn, error) {
	cfg = cfg.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = addr.Host()
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: tls handshake: %w", err)
	}
	return tlsConn, nil
}

// Router sends each address to the dialer for its network.
type Router struct {
	// TCP serves tcp and unix addresses.
	TCP pool.Establisher
	// I2P serves I2P destinations. Nil disables I2P.
	I2P pool.Establisher
}

// Establish implements pool.Establisher.
func (r Router) Establish(ctx context.Context, addr address.Address, opts pool.EstablishOptions) (pool.Transport, error) {
	var d pool.Establisher
	switch addr.Network() {
	case "i2p":
		d = r.I2P
	default:
		d = r.TCP
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, addr.Network())
	}
	return d.Establish(ctx, addr, opts)
}
