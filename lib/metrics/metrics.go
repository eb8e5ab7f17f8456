// Package metrics exposes connection pool activity to Prometheus.
//
// A Collector is an event.Handler: pass it (alone or through event.Multi) to
// pool.New and every lifecycle event updates the counters. Pool gauges are
// refreshed from snapshots with SetPoolStats.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-i2p/cmap/lib/event"
)

const namespace = "cmap"

// DefaultLatencyBuckets are histogram buckets for checkout and establishment
// latency, in seconds.
var DefaultLatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// PoolStats is the subset of a pool snapshot exported as gauges.
type PoolStats struct {
	Address     string
	Generation  uint64
	MaxPoolSize int
	Total       int
	Idle        int
	CheckedOut  int
	Pending     int
	Waiters     int
}

// Collector records pool events and pool gauges in a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	checkOutFailed    *prometheus.CounterVec
	checkOutDuration  *prometheus.HistogramVec
	establishDuration *prometheus.HistogramVec

	generation  *prometheus.GaugeVec
	maxPoolSize *prometheus.GaugeVec
	total       *prometheus.GaugeVec
	idle        *prometheus.GaugeVec
	checkedOut  *prometheus.GaugeVec
	pending     *prometheus.GaugeVec
	waiters     *prometheus.GaugeVec
	startTime   prometheus.Gauge
}

// New creates a Collector registering its metrics in reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_events_total",
			Help:      "Total pool lifecycle events by type",
		}, []string{"address", "event"}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed by reason",
		}, []string{"address", "reason"}),
		checkOutFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_failed_total",
			Help:      "Total failed checkouts by reason",
		}, []string{"address", "reason"}),
		checkOutDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_duration_seconds",
			Help:      "Time from checkout start to connection or failure",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"address"}),
		establishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "establish_duration_seconds",
			Help:      "Time spent establishing new connections",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"address"}),
		generation:  gauge(factory, "pool_generation", "Current pool generation"),
		maxPoolSize: gauge(factory, "pool_connections_max", "Maximum number of connections in the pool"),
		total:       gauge(factory, "pool_connections_total", "Idle plus checked out connections plus pending establishments"),
		idle:        gauge(factory, "pool_connections_idle", "Current number of idle connections"),
		checkedOut:  gauge(factory, "pool_connections_checked_out", "Number of connections currently checked out"),
		pending:     gauge(factory, "pool_establishments_pending", "Number of establishments in flight"),
		waiters:     gauge(factory, "pool_wait_queue_length", "Number of checkouts waiting for a connection"),
		startTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix timestamp when the collector was created",
		}),
	}
	c.startTime.Set(float64(time.Now().Unix()))
	return c
}

func gauge(factory promauto.Factory, name, help string) *prometheus.GaugeVec {
	return factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"address"})
}

// HandleEvent implements event.Handler.
func (c *Collector) HandleEvent(e event.Event) {
	addr := e.Address.String()
	c.events.WithLabelValues(addr, e.Type.String()).Inc()

	switch e.Type {
	case event.ConnectionClosed:
		c.connectionsClosed.WithLabelValues(addr, e.ClosedReason.String()).Inc()
	case event.ConnectionReady:
		c.establishDuration.WithLabelValues(addr).Observe(e.Duration.Seconds())
	case event.CheckedOut:
		c.checkOutDuration.WithLabelValues(addr).Observe(e.Duration.Seconds())
	case event.CheckOutFailed:
		c.checkOutFailed.WithLabelValues(addr, e.FailedReason.String()).Inc()
		c.checkOutDuration.WithLabelValues(addr).Observe(e.Duration.Seconds())
	case event.PoolCleared:
		c.generation.WithLabelValues(addr).Set(float64(e.Generation))
	case event.PoolCreated:
		if e.Options != nil {
			c.maxPoolSize.WithLabelValues(addr).Set(float64(e.Options.MaxPoolSize))
		}
	}
}

// SetPoolStats updates the pool gauges from a snapshot.
func (c *Collector) SetPoolStats(s PoolStats) {
	c.generation.WithLabelValues(s.Address).Set(float64(s.Generation))
	c.maxPoolSize.WithLabelValues(s.Address).Set(float64(s.MaxPoolSize))
	c.total.WithLabelValues(s.Address).Set(float64(s.Total))
	c.idle.WithLabelValues(s.Address).Set(float64(s.Idle))
	c.checkedOut.WithLabelValues(s.Address).Set(float64(s.CheckedOut))
	c.pending.WithLabelValues(s.Address).Set(float64(s.Pending))
	c.waiters.WithLabelValues(s.Address).Set(float64(s.Waiters))
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an http.Handler that exposes the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
