package testutil

import (
	"net"
	"sync"
	"sync/atomic"
)

// MockServer is a TCP listener that accepts connections and holds them open
// until the client closes them. It stands in for a database server in dialer
// tests.
type MockServer struct {
	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	accepted int64
	addr     string
}

// NewMockServer creates a new mock server listening on a random port.
func NewMockServer() (*MockServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockServer{
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
		addr:     ln.Addr().String(),
	}

	go m.acceptLoop()

	return m, nil
}

// Addr returns the host:port the server listens on.
func (m *MockServer) Addr() string {
	return m.addr
}

// Accepted returns the number of connections accepted so far.
func (m *MockServer) Accepted() int {
	return int(atomic.LoadInt64(&m.accepted))
}

// Close stops the listener and closes every accepted connection.
func (m *MockServer) Close() error {
	err := m.listener.Close()
	m.mu.Lock()
	for c := range m.conns {
		c.Close()
	}
	m.conns = make(map[net.Conn]struct{})
	m.mu.Unlock()
	return err
}

func (m *MockServer) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt64(&m.accepted, 1)
		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.mu.Unlock()
		go m.handleConnection(conn)
	}
}

func (m *MockServer) handleConnection(conn net.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	// Drain until the client hangs up
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
