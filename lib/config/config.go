// Package config loads cmapd configuration from TOML files and converts it
// into pool, dialer and monitor settings.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/pool"
	"github.com/go-i2p/cmap/lib/topology"
)

// Default configuration values
const (
	DefaultServerAddress    = "127.0.0.1:27017"
	DefaultSAMAddress       = "127.0.0.1:7656"
	DefaultTunnelName       = "cmapd"
	DefaultMetricsListen    = "127.0.0.1:9216"
	DefaultMetricsInterval  = 5 * time.Second
	DefaultMonitorPolicy    = PolicyClearOnNetworkError
	DefaultProbeWorkers     = 4
	DefaultProbeInterval    = time.Second
	DefaultEstablishTimeout = 30 * time.Second
)

// Monitor policy names.
const (
	PolicyClearOnNetworkError = "clear_on_network_error"
	PolicyAlwaysClear         = "always_clear"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for cmapd.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Pool    PoolConfig    `toml:"pool"`
	Metrics MetricsConfig `toml:"metrics"`
	Monitor MonitorConfig `toml:"monitor"`
	Probe   ProbeConfig   `toml:"probe"`
}

// ServerConfig describes the server the pool connects to.
type ServerConfig struct {
	// Address is host:port, a unix socket path or an I2P destination
	Address string `toml:"address"`
	// ServerAPI is passed to the establisher unchanged
	ServerAPI string `toml:"server_api,omitempty"`
	// TLS enables TLS on established connections
	TLS bool `toml:"tls"`
	// TLSInsecure skips certificate verification
	TLSInsecure bool `toml:"tls_insecure,omitempty"`
	// TLSCAFile is an optional PEM bundle of trusted roots
	TLSCAFile string `toml:"tls_ca_file,omitempty"`
	// SAMAddress is the SAM bridge used for I2P destinations
	SAMAddress string `toml:"sam_address"`
	// TunnelName names the I2P session
	TunnelName string `toml:"tunnel_name"`
}

// PoolConfig mirrors pool.Options.
type PoolConfig struct {
	MaxPoolSize      int      `toml:"max_pool_size"`
	MinPoolSize      int      `toml:"min_pool_size"`
	MaxIdleTime      Duration `toml:"max_idle_time"`
	MaxConnecting    int      `toml:"max_connecting"`
	WaitQueueTimeout Duration `toml:"wait_queue_timeout"`
	EstablishTimeout Duration `toml:"establish_timeout"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
	// Interval is how often pool gauges are refreshed
	Interval Duration `toml:"interval"`
}

// MonitorConfig selects how the topology monitor reacts to errors.
type MonitorConfig struct {
	// Policy is clear_on_network_error or always_clear
	Policy string `toml:"policy"`
	// IgnoreStaleErrors skips errors from connections older than the current generation
	IgnoreStaleErrors bool `toml:"ignore_stale_errors"`
}

// ProbeConfig controls the probe workload cmapd runs against the pool.
type ProbeConfig struct {
	// Workers is the number of concurrent probe loops
	Workers int `toml:"workers"`
	// Interval is the pause between probes in each loop
	Interval Duration `toml:"interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	opts := pool.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Address:    DefaultServerAddress,
			SAMAddress: DefaultSAMAddress,
			TunnelName: DefaultTunnelName,
		},
		Pool: PoolConfig{
			MaxPoolSize:      opts.MaxPoolSize,
			MinPoolSize:      opts.MinPoolSize,
			MaxConnecting:    opts.MaxConnecting,
			EstablishTimeout: Duration(DefaultEstablishTimeout),
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   DefaultMetricsListen,
			Interval: Duration(DefaultMetricsInterval),
		},
		Monitor: MonitorConfig{
			Policy:            DefaultMonitorPolicy,
			IgnoreStaleErrors: true,
		},
		Probe: ProbeConfig{
			Workers:  DefaultProbeWorkers,
			Interval: Duration(DefaultProbeInterval),
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if address.Address(c.Server.Address).IsI2P() && c.Server.SAMAddress == "" {
		return errors.New("server.sam_address is required for i2p destinations")
	}
	if c.Server.TLSCAFile != "" && !c.Server.TLS {
		return errors.New("server.tls_ca_file requires server.tls")
	}
	if err := c.poolOptions().Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		return errors.New("metrics.interval must be positive")
	}
	switch c.Monitor.Policy {
	case PolicyClearOnNetworkError, PolicyAlwaysClear:
	default:
		return fmt.Errorf("monitor.policy must be %s or %s", PolicyClearOnNetworkError, PolicyAlwaysClear)
	}
	if c.Probe.Workers < 0 {
		return errors.New("probe.workers must not be negative")
	}
	if c.Probe.Workers > 0 && c.Probe.Interval <= 0 {
		return errors.New("probe.interval must be positive")
	}
	return nil
}

func (c *Config) poolOptions() pool.Options {
	return pool.Options{
		MaxPoolSize:      c.Pool.MaxPoolSize,
		MinPoolSize:      c.Pool.MinPoolSize,
		MaxIdleTime:      c.Pool.MaxIdleTime.Std(),
		MaxConnecting:    c.Pool.MaxConnecting,
		WaitQueueTimeout: c.Pool.WaitQueueTimeout.Std(),
		EstablishTimeout: c.Pool.EstablishTimeout.Std(),
		ServerAPI:        c.Server.ServerAPI,
	}
}

// PoolOptions converts the configuration into pool options, loading TLS
// settings if enabled.
func (c *Config) PoolOptions() (pool.Options, error) {
	opts := c.poolOptions()
	if !c.Server.TLS {
		return opts, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.Server.TLSInsecure,
	}
	if c.Server.TLSCAFile != "" {
		pem, err := os.ReadFile(c.Server.TLSCAFile)
		if err != nil {
			return opts, fmt.Errorf("reading tls ca file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return opts, fmt.Errorf("tls ca file %s contains no certificates", c.Server.TLSCAFile)
		}
		tlsCfg.RootCAs = roots
	}
	opts.TLS = tlsCfg
	return opts, nil
}

// MonitorPolicy returns the topology policy named by the configuration.
func (c *Config) MonitorPolicy() topology.Policy {
	if c.Monitor.Policy == PolicyAlwaysClear {
		return topology.AlwaysClear
	}
	return topology.ClearOnNetworkError
}
