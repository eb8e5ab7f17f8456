// Package address provides the server address type used to identify the
// endpoint a connection pool serves.
//
// An Address is either a TCP host:port pair, a unix socket path, or an I2P
// destination (a .i2p hostname or base64/base32 destination, optionally with a
// port). Addresses are canonicalized so that pools, events and topology
// messages agree on a single spelling of the same server.
package address

import (
	"net"
	"strings"

	"github.com/go-i2p/i2pkeys"
)

// DefaultPort is the port assumed when an address omits one.
const DefaultPort = "27017"

// Address is a network address for a database server.
type Address string

// Network returns the network for this address: "unix" for socket paths,
// "i2p" for I2P destinations and "tcp" otherwise.
func (a Address) Network() string {
	switch {
	case strings.HasSuffix(string(a), ".sock"):
		return "unix"
	case a.IsI2P():
		return "i2p"
	default:
		return "tcp"
	}
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	s := string(a)
	if a.Network() == "unix" {
		return s
	}
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(s, DefaultPort)
}

// Canonicalize lower-cases the host part and adds the default port.
// Socket paths and I2P destinations, which are case sensitive in their base64
// form, are returned unchanged apart from the port.
func (a Address) Canonicalize() Address {
	s := a.String()
	if a.Network() != "tcp" {
		return Address(s)
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address(strings.ToLower(s))
	}
	return Address(net.JoinHostPort(strings.ToLower(host), port))
}

// Host returns the host part of the address without the port.
func (a Address) Host() string {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a)
	}
	return host
}

// IsI2P reports whether the address refers to an I2P destination.
func (a Address) IsI2P() bool {
	host := strings.ToLower(a.Host())
	return strings.HasSuffix(host, ".i2p")
}

// Destination parses the I2P destination this address refers to.
func (a Address) Destination() (i2pkeys.I2PAddr, error) {
	return i2pkeys.NewI2PAddrFromString(a.Host())
}
