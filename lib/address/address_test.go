package address

import "testing"

func TestAddressNetwork(t *testing.T) {
	tests := []struct {
		addr    Address
		network string
	}{
		{"localhost:27017", "tcp"},
		{"db.example.com", "tcp"},
		{"/tmp/mongodb-27017.sock", "unix"},
		{"abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz.b32.i2p", "i2p"},
		{"database.i2p:7000", "i2p"},
	}

	for _, tc := range tests {
		t.Run(string(tc.addr), func(t *testing.T) {
			if got := tc.addr.Network(); got != tc.network {
				t.Errorf("Expected network %q, got %q", tc.network, got)
			}
		})
	}
}

func TestAddressCanonicalize(t *testing.T) {
	tests := []struct {
		addr     Address
		expected Address
	}{
		{"LocalHost", "localhost:27017"},
		{"DB.Example.com:27018", "db.example.com:27018"},
		{"/tmp/mongodb-27017.sock", "/tmp/mongodb-27017.sock"},
		{"Database.i2p", "Database.i2p:27017"},
	}

	for _, tc := range tests {
		t.Run(string(tc.addr), func(t *testing.T) {
			if got := tc.addr.Canonicalize(); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestAddressHost(t *testing.T) {
	if got := Address("db1:27017").Host(); got != "db1" {
		t.Errorf("Expected host db1, got %q", got)
	}
	if got := Address("db1").Host(); got != "db1" {
		t.Errorf("Expected host db1, got %q", got)
	}
}
