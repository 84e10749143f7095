package metrics

import (
	"context"
	"time"
)

// StoreStats is the replica store as seen by the collector.
type StoreStats interface {
	Keys(ctx context.Context) ([]string, error)
	TotalSize(ctx context.Context) (int64, error)
}

// ConnectionStatus is the peer's link to the coordinator.
type ConnectionStatus interface {
	IsConnected() bool
	SessionCount() uint64
}

// Collector periodically samples gauges that are not updated on the request path.
type Collector struct {
	metrics *PeerMetrics
	store   StoreStats
	conn    ConnectionStatus
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(m *PeerMetrics, store StoreStats, conn ConnectionStatus) *Collector {
	return &Collector{metrics: m, store: store, conn: conn}
}

// Collect takes one sample.
func (c *Collector) Collect(ctx context.Context) {
	if c.conn != nil {
		if c.conn.IsConnected() {
			c.metrics.Connected.Set(1)
		} else {
			c.metrics.Connected.Set(0)
		}
		c.metrics.Sessions.Set(float64(c.conn.SessionCount()))
	}

	if c.store != nil {
		keys, err := c.store.Keys(ctx)
		if err != nil {
			c.metrics.StoreScanErrs.Inc()
			return
		}
		size, err := c.store.TotalSize(ctx)
		if err != nil {
			c.metrics.StoreScanErrs.Inc()
			return
		}
		c.metrics.StoredBlobs.Set(float64(len(keys)))
		c.metrics.StoredBytes.Set(float64(size))
	}
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.Collect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
