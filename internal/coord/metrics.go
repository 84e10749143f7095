// Package coord implements the peervault coordinator: the peer registry, the
// file catalog, and the replication, retrieval and deletion operations that
// run over them.
package coord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for one coordinator.
type Metrics struct {
	LivePeers         prometheus.Gauge
	Files             prometheus.Gauge
	PendingOperations prometheus.Gauge

	Uploads          *prometheus.CounterVec // peervault_coordinator_uploads_total{result}
	Downloads        *prometheus.CounterVec // peervault_coordinator_downloads_total{result}
	Deletes          *prometheus.CounterVec // peervault_coordinator_deletes_total{result}
	RetrieveAttempts *prometheus.CounterVec // peervault_coordinator_retrieve_attempts_total{result}

	ReplicationDuration prometheus.Histogram
	BytesStored         prometheus.Counter
}

// NewMetrics creates coordinator metrics registered with registry.
// A nil registry creates unregistered metrics, which is what tests use.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		LivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peervault_coordinator_live_peers",
			Help: "Number of currently connected storage peers",
		}),
		Files: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peervault_coordinator_files",
			Help: "Number of files in the catalog",
		}),
		PendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peervault_coordinator_pending_operations",
			Help: "Number of peer requests awaiting a reply",
		}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_coordinator_uploads_total",
			Help: "Uploads by result",
		}, []string{"result"}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_coordinator_downloads_total",
			Help: "Downloads by result",
		}, []string{"result"}),
		Deletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_coordinator_deletes_total",
			Help: "Deletes by result",
		}, []string{"result"}),
		RetrieveAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peervault_coordinator_retrieve_attempts_total",
			Help: "Per-replica retrieve attempts by outcome",
		}, []string{"result"}),
		ReplicationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peervault_coordinator_replication_duration_seconds",
			Help:    "Time from upload submission to confirmation or failure",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "peervault_coordinator_bytes_stored_total",
			Help: "Payload bytes of confirmed uploads, counted once per file",
		}),
	}
}
