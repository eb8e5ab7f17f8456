package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/cmap/lib/address"
	"github.com/go-i2p/cmap/lib/config"
	"github.com/go-i2p/cmap/lib/dialer"
	apperrors "github.com/go-i2p/cmap/lib/errors"
	"github.com/go-i2p/cmap/lib/event"
	"github.com/go-i2p/cmap/lib/metrics"
	"github.com/go-i2p/cmap/lib/pool"
	"github.com/go-i2p/cmap/lib/topology"
	"github.com/go-i2p/cmap/version"
)

// heartbeatInterval is how often the server is checked.
var heartbeatInterval = 10 * time.Second

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// daemon wires a pool to its establisher, monitor, metrics and probes.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pool.Pool
	est     pool.Establisher
	updater *topology.Updater
	monitor *topology.Monitor
	metrics *metrics.Collector
	garlic  *dialer.Garlic
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	opts, err := cfg.PoolOptions()
	if err != nil {
		return nil, err
	}

	addr := address.Address(cfg.Server.Address)
	d := &daemon{cfg: cfg, logger: logger}

	router := dialer.Router{TCP: dialer.NewTCP()}
	if addr.IsI2P() {
		d.garlic = dialer.NewGarlic(cfg.Server.TunnelName, cfg.Server.SAMAddress, nil)
		router.I2P = dialer.NewBreaker(d.garlic, dialer.DefaultBreakerConfig())
	}
	d.est = router

	handlers := []event.Handler{event.NewLogHandler()}
	if cfg.Metrics.Enabled {
		d.metrics = metrics.New(nil)
		handlers = append(handlers, d.metrics)
	}

	updater, receiver := topology.Channel()
	d.updater = updater

	p, err := pool.New(addr, opts, d.est, updater, event.Multi(handlers...))
	if err != nil {
		d.closeDialers()
		return nil, err
	}
	d.pool = p

	d.monitor = topology.NewMonitor(receiver, p.Manager(), cfg.MonitorPolicy())
	d.monitor.IgnoreStaleErrors = cfg.Monitor.IgnoreStaleErrors
	return d, nil
}

// Run serves until ctx is done, then closes the pool.
func (d *daemon) Run(ctx context.Context) error {
	defer d.closeDialers()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("topology monitor: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		d.heartbeat(ctx)
		return nil
	})

	if d.metrics != nil {
		g.Go(func() error {
			d.pool.ReportMetrics(ctx, d.metrics, d.cfg.Metrics.Interval.Std())
			return nil
		})
		g.Go(func() error {
			return d.serveMetrics(ctx)
		})
	}

	for i := 0; i < d.cfg.Probe.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.probe(ctx, worker)
			return nil
		})
	}

	err := g.Wait()
	if cerr := d.pool.Close(); cerr != nil && !errors.Is(cerr, pool.ErrPoolClosed) {
		d.logger.Warn("failed to close pool", "error", cerr)
	}
	return err
}

// heartbeat checks the server with a dedicated connection and reports it
// healthy, which lets the monitor mark the pool ready.
func (d *daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		if err := d.check(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("server check failed", "address", d.pool.Address().String(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) check(ctx context.Context) error {
	opts := d.pool.Options()
	checkCtx, cancel := context.WithTimeout(ctx, opts.EstablishTimeout)
	defer cancel()

	t, err := d.est.Establish(checkCtx, d.pool.Address(), pool.EstablishOptions{
		TLS:       opts.TLS,
		ServerAPI: opts.ServerAPI,
	})
	if err != nil {
		return err
	}
	if err := t.Close(); err != nil {
		d.logger.Debug("failed to close check connection", "address", d.pool.Address().String(), "error", err)
	}

	if d.pool.State() != pool.StatePaused {
		return nil
	}
	ack, err := d.updater.Send(topology.ServerHealthy{Address: d.pool.Address()})
	if err != nil {
		return err
	}
	_, err = ack.Wait(checkCtx)
	return err
}

// probe repeatedly checks out and releases a connection.
func (d *daemon) probe(ctx context.Context, worker int) {
	interval := d.cfg.Probe.Interval.Std()
	for {
		err := d.pool.WithConnection(ctx, func(c *pool.Connection) error {
			d.logger.Debug("probe checked out connection",
				"worker", worker,
				"connectionId", c.ID(),
				"generation", c.Generation())
			return nil
		})
		if err != nil && ctx.Err() == nil {
			coded := apperrors.FromSentinel(err)
			d.logger.Debug("probe checkout failed", "worker", worker, "code", coded.Code, "error", coded.Message)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (d *daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s\n", version.UserAgent(), d.pool.State())
	})

	ln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	d.logger.Info("metrics server listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func (d *daemon) closeDialers() {
	if d.garlic != nil {
		if err := d.garlic.Close(); err != nil {
			d.logger.Debug("failed to close i2p session", "error", err)
		}
	}
}
