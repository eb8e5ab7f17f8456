package pool

import (
	"context"
	"time"

	"github.com/go-i2p/cmap/lib/metrics"
)

// UpdateMetrics updates the collector's pool gauges from Stats.
func UpdateMetrics(c *metrics.Collector, stats Stats) {
	c.SetPoolStats(metrics.PoolStats{
		Address:     stats.Address.String(),
		Generation:  stats.Generation,
		MaxPoolSize: stats.MaxPoolSize,
		Total:       stats.Total,
		Idle:        stats.Idle,
		CheckedOut:  stats.CheckedOut,
		Pending:     stats.Pending,
		Waiters:     stats.Waiters,
	})
}

// ReportMetrics refreshes the collector's pool gauges every interval until
// ctx is done.
func (p *Pool) ReportMetrics(ctx context.Context, c *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		UpdateMetrics(c, p.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
