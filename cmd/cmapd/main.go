// cmapd runs a CMAP connection pool against a single server and exposes its
// state as Prometheus metrics.
//
// It keeps the pool ready through a periodic heartbeat, reacts to reported
// connection errors through the topology monitor and drives a small probe
// workload of checkouts so pool behavior can be observed.
//
// Usage:
//
//	cmapd [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.cmapd/config.toml")
//	-address string
//	    Server address (overrides config)
//	-sam string
//	    SAM bridge address (overrides config)
//	-metrics string
//	    Metrics listen address, enables metrics (overrides config)
//	-init
//	    Write the effective configuration to -config and exit
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-i2p/cmap/lib/config"
	"github.com/go-i2p/cmap/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".cmapd", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	serverAddr := flag.String("address", "", "Server address (overrides config)")
	samAddr := flag.String("sam", "", "SAM bridge address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Metrics listen address, enables metrics (overrides config)")
	writeConfig := flag.Bool("init", false, "Write the effective configuration to -config and exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cmapd - CMAP connection pool daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  cmapd [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("cmapd version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	// Apply command-line overrides
	if *serverAddr != "" {
		cfg.Server.Address = *serverAddr
	}
	if *samAddr != "" {
		cfg.Server.SAMAddress = *samAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			logger.Error("failed to write config", "error", err)
			return 1
		}
		logger.Info("configuration written", "path", *configPath)
		return 0
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("cmapd started",
		"address", d.pool.Address().String(),
		"version", version.Full(),
		"maxPoolSize", d.pool.Options().MaxPoolSize)

	if err := d.Run(ctx); err != nil {
		logger.Error("cmapd stopped with error", "error", err)
		return 1
	}

	logger.Info("cmapd stopped")
	return 0
}
