package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/cmap/lib/topology"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Address == "" {
		t.Error("default config should have a server address")
	}
	if cfg.Pool.MaxPoolSize != 10 {
		t.Errorf("default max pool size should be 10, got %d", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.MaxConnecting != 2 {
		t.Errorf("default max connecting should be 2, got %d", cfg.Pool.MaxConnecting)
	}
	if cfg.Pool.EstablishTimeout.Std() != DefaultEstablishTimeout {
		t.Errorf("default establish timeout should be %v, got %v", DefaultEstablishTimeout, cfg.Pool.EstablishTimeout.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty server address",
			modify:  func(c *Config) { c.Server.Address = "" },
			wantErr: true,
		},
		{
			name: "i2p destination without SAM",
			modify: func(c *Config) {
				c.Server.Address = "db.i2p"
				c.Server.SAMAddress = ""
			},
			wantErr: true,
		},
		{
			name:    "ca file without tls",
			modify:  func(c *Config) { c.Server.TLSCAFile = "ca.pem" },
			wantErr: true,
		},
		{
			name: "min pool size above max",
			modify: func(c *Config) {
				c.Pool.MaxPoolSize = 2
				c.Pool.MinPoolSize = 5
			},
			wantErr: true,
		},
		{
			name:    "negative max connecting",
			modify:  func(c *Config) { c.Pool.MaxConnecting = -1 },
			wantErr: true,
		},
		{
			name:    "zero max pool size means unbounded",
			modify:  func(c *Config) { c.Pool.MaxPoolSize = 0 },
			wantErr: false,
		},
		{
			name: "metrics without listen",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = ""
			},
			wantErr: true,
		},
		{
			name:    "unknown policy",
			modify:  func(c *Config) { c.Monitor.Policy = "sometimes" },
			wantErr: true,
		},
		{
			name:    "negative probe workers",
			modify:  func(c *Config) { c.Probe.Workers = -1 },
			wantErr: true,
		},
		{
			name:    "probe without interval",
			modify:  func(c *Config) { c.Probe.Interval = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_NotExist(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig should not fail for a missing file: %v", err)
	}
	if cfg.Server.Address != DefaultServerAddress {
		t.Errorf("expected default address, got %s", cfg.Server.Address)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmapd.toml")
	data := `
[server]
address = "DB1.Example.com:27018"
server_api = "1"

[pool]
max_pool_size = 20
min_pool_size = 2
max_idle_time = "5m"
wait_queue_timeout = "250ms"

[monitor]
policy = "always_clear"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Address != "DB1.Example.com:27018" {
		t.Errorf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Pool.MaxPoolSize != 20 || cfg.Pool.MinPoolSize != 2 {
		t.Errorf("unexpected pool sizes %+v", cfg.Pool)
	}
	if cfg.Pool.MaxIdleTime.Std() != 5*time.Minute {
		t.Errorf("expected max idle time 5m, got %v", cfg.Pool.MaxIdleTime.Std())
	}
	// Unset keys keep their defaults
	if cfg.Pool.MaxConnecting != 2 {
		t.Errorf("expected default max connecting, got %d", cfg.Pool.MaxConnecting)
	}

	opts, err := cfg.PoolOptions()
	if err != nil {
		t.Fatalf("PoolOptions failed: %v", err)
	}
	if opts.WaitQueueTimeout != 250*time.Millisecond {
		t.Errorf("expected wait queue timeout 250ms, got %v", opts.WaitQueueTimeout)
	}
	if opts.ServerAPI != "1" {
		t.Errorf("expected server api 1, got %q", opts.ServerAPI)
	}
	if opts.TLS != nil {
		t.Error("TLS should be nil when disabled")
	}
	if cfg.MonitorPolicy()(topology.ApplicationError{}).Clear != true {
		t.Error("always_clear policy should clear on any application error")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"syntax":   "[pool\nmax_pool_size = 1",
		"duration": "[pool]\nmax_idle_time = \"soon\"",
		"validate": "[pool]\nmax_pool_size = 1\nmin_pool_size = 3",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cmapd.toml")
	cfg := DefaultConfig()
	cfg.Pool.MaxIdleTime = Duration(90 * time.Second)
	cfg.Metrics.Enabled = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `max_idle_time = '1m30s'`) && !strings.Contains(string(data), `max_idle_time = "1m30s"`) {
		t.Errorf("durations should be written as strings, got:\n%s", data)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Pool.MaxIdleTime != cfg.Pool.MaxIdleTime || !loaded.Metrics.Enabled {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestPoolOptionsTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.TLS = true
	cfg.Server.TLSInsecure = true

	opts, err := cfg.PoolOptions()
	if err != nil {
		t.Fatalf("PoolOptions failed: %v", err)
	}
	if opts.TLS == nil || !opts.TLS.InsecureSkipVerify {
		t.Error("expected an insecure TLS config")
	}

	cfg.Server.TLSCAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := cfg.PoolOptions(); err == nil {
		t.Error("expected an error for a missing CA file")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	os.WriteFile(empty, []byte("not a certificate"), 0600)
	cfg.Server.TLSCAFile = empty
	if _, err := cfg.PoolOptions(); err == nil {
		t.Error("expected an error for a CA file without certificates")
	}
}
