package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/config"
	"github.com/go-i2p/cmap/lib/pool"
	"github.com/go-i2p/cmap/lib/testutil"
)

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Address = addr
	cfg.Pool.MaxPoolSize = 2
	cfg.Pool.MinPoolSize = 1
	cfg.Pool.WaitQueueTimeout = config.Duration(time.Second)
	cfg.Probe.Workers = 2
	cfg.Probe.Interval = config.Duration(10 * time.Millisecond)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Metrics.Interval = config.Duration(10 * time.Millisecond)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDaemonServesProbes(t *testing.T) {
	server, err := testutil.NewMockServer()
	if err != nil {
		t.Fatalf("Failed to start mock server: %v", err)
	}
	defer server.Close()

	d, err := newDaemon(testConfig(t, server.Addr()), quietLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for d.pool.Stats().CheckOutSuccess < 4 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("Expected probes to check out connections, stats: %+v", d.pool.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if state := d.pool.State(); state != pool.StateReady {
		t.Errorf("Expected pool to be ready, got %s", state)
	}
	if total := d.pool.Stats().Total; total > 2 {
		t.Errorf("Expected at most 2 connections, got %d", total)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if state := d.pool.State(); state != pool.StateClosed {
		t.Errorf("Expected pool to be closed, got %s", state)
	}

	families, err := d.metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected metrics to be collected")
	}
}

func TestDaemonStaysPausedWithoutServer(t *testing.T) {
	server, err := testutil.NewMockServer()
	if err != nil {
		t.Fatalf("Failed to start mock server: %v", err)
	}
	addr := server.Addr()
	server.Close()

	cfg := testConfig(t, addr)
	cfg.Metrics.Enabled = false
	d, err := newDaemon(cfg, quietLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	if n := d.pool.Stats().CheckOutSuccess; n != 0 {
		t.Errorf("Expected no successful checkouts, got %d", n)
	}
	if d.metrics != nil {
		t.Error("Expected no metrics collector when metrics are disabled")
	}
}

func TestNewDaemonRejectsBadTLS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TLS = true
	cfg.Server.TLSCAFile = "/nonexistent/ca.pem"

	if _, err := newDaemon(cfg, quietLogger()); err == nil {
		t.Error("Expected error for missing CA file")
	}
}

type failingTransport struct{}

func (failingTransport) Close() error { return errors.New("close: broken pipe") }

func TestCheckLogsCloseError(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:27017")
	cfg.Metrics.Enabled = false
	cfg.Pool.MinPoolSize = 0

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d, err := newDaemon(cfg, logger)
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.pool.Close()
	d.est = pool.EstablisherFunc(func(context.Context, address.Address, pool.EstablishOptions) (pool.Transport, error) {
		return failingTransport{}, nil
	})
	d.pool.MarkAsReady()

	if err := d.check(context.Background()); err != nil {
		t.Errorf("check failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "failed to close check connection") || !strings.Contains(out, "broken pipe") {
		t.Errorf("Expected close error to be logged, got %q", out)
	}
}
