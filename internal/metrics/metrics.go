// Package metrics provides Prometheus metrics for peervault storage peers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PeerMetrics holds the metrics of one storage peer. Every series carries a
// constant "peer" label.
type PeerMetrics struct {
	// Requests from the coordinator, labelled by kind (store, retrieve,
	// delete) and result (ok or an error code).
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesStored     prometheus.Counter
	BytesServed     prometheus.Counter

	// Sampled by the Collector.
	Connected     prometheus.Gauge
	Sessions      prometheus.Gauge
	StoredBlobs   prometheus.Gauge
	StoredBytes   prometheus.Gauge
	StoreScanErrs prometheus.Counter

	PeerInfo *prometheus.GaugeVec // labels: version
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// InitMetrics registers the peer metrics on reg.
func InitMetrics(reg prometheus.Registerer, peerID, version string) *PeerMetrics {
	constLabels := prometheus.Labels{"peer": peerID}
	factory := promauto.With(reg)

	m := &PeerMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "peervault_peer_requests_total",
			Help:        "Coordinator requests served, by kind and result",
			ConstLabels: constLabels,
		}, []string{"kind", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "peervault_peer_request_duration_seconds",
			Help:        "Time to serve a coordinator request",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peervault_peer_bytes_stored_total",
			Help:        "Replica bytes written",
			ConstLabels: constLabels,
		}),
		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peervault_peer_bytes_served_total",
			Help:        "Replica bytes returned to the coordinator",
			ConstLabels: constLabels,
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "peervault_peer_connected",
			Help:        "1 if registered with the coordinator",
			ConstLabels: constLabels,
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "peervault_peer_sessions",
			Help:        "Successful registrations since start",
			ConstLabels: constLabels,
		}),
		StoredBlobs: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "peervault_peer_stored_blobs",
			Help:        "Replicas held on disk",
			ConstLabels: constLabels,
		}),
		StoredBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "peervault_peer_stored_bytes",
			Help:        "Disk bytes used by replicas",
			ConstLabels: constLabels,
		}),
		StoreScanErrs: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peervault_peer_store_scan_errors_total",
			Help:        "Failed scans of the replica directory",
			ConstLabels: constLabels,
		}),
		PeerInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "peervault_peer_info",
			Help:        "Peer build information",
			ConstLabels: constLabels,
		}, []string{"version"}),
	}
	m.PeerInfo.WithLabelValues(version).Set(1)
	return m
}

// ObserveRequest records one served request.
func (m *PeerMetrics) ObserveRequest(kind, result string, bytes int, d time.Duration) {
	m.Requests.WithLabelValues(kind, result).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
	if result != "ok" {
		return
	}
	switch kind {
	case "store":
		m.BytesStored.Add(float64(bytes))
	case "retrieve":
		m.BytesServed.Add(float64(bytes))
	}
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
