package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/i2pkeys"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/pool"
	"github.com/go-i2p/cmap/lib/testutil"
)

func TestTCPEstablish(t *testing.T) {
	srv, err := testutil.NewMockServer()
	if err != nil {
		t.Fatalf("failed to create mock server: %v", err)
	}
	defer srv.Close()

	tr, err := NewTCP().Establish(context.Background(), address.Address(srv.Addr()), pool.EstablishOptions{ServerAPI: "1"})
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	defer tr.Close()

	conn, ok := tr.(*Conn)
	if !ok {
		t.Fatalf("Expected *Conn, got %T", tr)
	}
	if conn.ServerAPI != "1" {
		t.Errorf("Expected server API %q, got %q", "1", conn.ServerAPI)
	}
	if conn.RemoteAddr().String() != srv.Addr() {
		t.Errorf("Expected remote %s, got %s", srv.Addr(), conn.RemoteAddr())
	}
}

func TestTCPEstablishRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewTCP().Establish(context.Background(), address.Address(addr), pool.EstablishOptions{})
	if err == nil {
		t.Fatal("Expected dial to a closed port to fail")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("Expected *net.OpError, got %T", err)
	}
}

func TestTCPEstablishHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTCP().Establish(ctx, "127.0.0.1:1", pool.EstablishOptions{})
	if err == nil {
		t.Fatal("Expected canceled dial to fail")
	}
}

func TestTCPEstablishUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	tr, err := NewTCP().Establish(context.Background(), address.Address(path), pool.EstablishOptions{})
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	tr.Close()
}

func TestTCPEstablishTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := srv.Client().Transport.(*http.Transport).TLSClientConfig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := NewTCP().Establish(ctx, address.Address(srv.Listener.Addr().String()), pool.EstablishOptions{TLS: cfg})
	if err != nil {
		t.Fatalf("Establish over TLS failed: %v", err)
	}
	defer tr.Close()

	if _, ok := tr.(*Conn).Conn.(interface{ ConnectionState() tls.ConnectionState }); !ok {
		t.Error("Expected a TLS connection")
	}
}

func TestTCPEstablishTLSHandshakeFailure(t *testing.T) {
	srv, err := testutil.NewMockServer()
	if err != nil {
		t.Fatalf("failed to create mock server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = NewTCP().Establish(ctx, address.Address(srv.Addr()), pool.EstablishOptions{TLS: &tls.Config{}})
	if err == nil {
		t.Fatal("Expected handshake with a plain server to fail")
	}
}

func TestTCPRejectsI2P(t *testing.T) {
	_, err := NewTCP().Establish(context.Background(), "example.i2p", pool.EstablishOptions{})
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("Expected ErrUnsupportedNetwork, got %v", err)
	}
}

type recordingEstablisher struct {
	calls []address.Address
}

func (r *recordingEstablisher) Establish(ctx context.Context, addr address.Address, opts pool.EstablishOptions) (pool.Transport, error) {
	r.calls = append(r.calls, addr)
	return &testutil.FakeTransport{Address: addr}, nil
}

func TestRouter(t *testing.T) {
	tcp := &recordingEstablisher{}
	i2p := &recordingEstablisher{}
	r := Router{TCP: tcp, I2P: i2p}

	b32 := address.Address(i2pkeys.FiveHundredAs().Base32())
	if _, err := r.Establish(context.Background(), b32, pool.EstablishOptions{}); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	if _, err := r.Establish(context.Background(), "db1:27017", pool.EstablishOptions{}); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	if len(i2p.calls) != 1 || i2p.calls[0] != b32 {
		t.Errorf("Expected I2P dialer to get %s, got %v", b32, i2p.calls)
	}
	if len(tcp.calls) != 1 || tcp.calls[0] != "db1:27017" {
		t.Errorf("Expected TCP dialer to get db1:27017, got %v", tcp.calls)
	}
}

func TestRouterWithoutI2P(t *testing.T) {
	r := Router{TCP: &recordingEstablisher{}}
	_, err := r.Establish(context.Background(), "example.i2p", pool.EstablishOptions{})
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("Expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestGarlicRejectsNonI2P(t *testing.T) {
	g := NewGarlic("test", "", nil)
	defer g.Close()

	if g.samAddr != DefaultSAMAddress {
		t.Errorf("Expected default SAM address, got %s", g.samAddr)
	}
	_, err := g.Establish(context.Background(), "db1:27017", pool.EstablishOptions{})
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("Expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestGarlicClosed(t *testing.T) {
	g := NewGarlic("test", "", nil)
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	_, err := g.Establish(context.Background(), "example.i2p", pool.EstablishOptions{})
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Expected net.ErrClosed, got %v", err)
	}
}

// requireSAM skips the test if no SAM bridge is reachable.
func requireSAM(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", DefaultSAMAddress, time.Second)
	if err != nil {
		t.Skip("SAM bridge not available at", DefaultSAMAddress)
	}
	conn.Close()
}

func TestGarlicEstablishIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping I2P integration test in short mode")
	}
	requireSAM(t)

	g := NewGarlic("cmap-dialer-test", "", []string{
		"inbound.length=1",
		"outbound.length=1",
		"inbound.quantity=1",
		"outbound.quantity=1",
	})
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Nothing listens at this destination; the session must come up and the
	// dial must fail or time out rather than hang.
	_, err := g.Establish(ctx, address.Address(i2pkeys.FiveHundredAs().Base32()), pool.EstablishOptions{})
	if err == nil {
		t.Skip("unexpectedly reached the test destination")
	}
}
