// Package telemetry exposes the compositor's operational counters as
// prometheus metrics, backed by a private registry rather than the
// global default one.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the compositor's single set of counters/gauges/histograms,
// registered against its own prometheus.Registry so multiple Metrics
// instances (tests, multiple compositor instances in one process) never
// collide on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	SlowClientsKilled   prometheus.Counter

	RequestsHandled prometheus.Counter
	EventsSent      prometheus.Counter
	BytesIn         prometheus.Counter
	BytesOut        prometheus.Counter
	FdsReceived     prometheus.Counter
	FdsSent         prometheus.Counter

	CopiesSubmitted    *prometheus.CounterVec
	CopiesCompleted    *prometheus.CounterVec
	CopiesRejectedBusy *prometheus.CounterVec
	CopyLatency        *prometheus.HistogramVec

	startTime atomic.Int64
}

// New builds a fresh Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_connections_accepted_total",
			Help: "Client connections accepted on either socket.",
		}),
		ConnectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_connections_closed_total",
			Help: "Client connections closed, for any reason.",
		}),
		SlowClientsKilled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_slow_clients_killed_total",
			Help: "Connections terminated for exceeding the pending-buffer limit.",
		}),
		RequestsHandled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_requests_handled_total",
			Help: "Wire protocol requests dispatched to an object.",
		}),
		EventsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_events_sent_total",
			Help: "Wire protocol events written to a client's swapchain.",
		}),
		BytesIn: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_bytes_in_total",
			Help: "Bytes read from client sockets.",
		}),
		BytesOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_bytes_out_total",
			Help: "Bytes written to client sockets.",
		}),
		FdsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_fds_received_total",
			Help: "File descriptors received via SCM_RIGHTS.",
		}),
		FdsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wlcore_fds_sent_total",
			Help: "File descriptors sent via SCM_RIGHTS.",
		}),
		CopiesSubmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wlcore_gpu_copies_submitted_total",
			Help: "GPU copy submissions, by transfer type.",
		}, []string{"transfer_type"}),
		CopiesCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wlcore_gpu_copies_completed_total",
			Help: "GPU copy submissions observed complete, by transfer type.",
		}, []string{"transfer_type"}),
		CopiesRejectedBusy: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wlcore_gpu_copies_rejected_busy_total",
			Help: "GPU copy submissions rejected because the Copy object was still busy.",
		}, []string{"transfer_type"}),
		CopyLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wlcore_gpu_copy_latency_seconds",
			Help:    "Time from GPU copy submission to sync-file readiness.",
			Buckets: prometheus.ExponentialBuckets(1e-4, 2, 12), // 100us .. ~205ms
		}, []string{"transfer_type"}),
	}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// Registry returns the prometheus.Registry backing this Metrics
// instance, for wiring into a custom http.Handler or an additional
// exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler serving this Metrics instance's
// registry in the standard prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UptimeSeconds reports how long this Metrics instance has existed.
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(time.Unix(0, m.startTime.Load())).Seconds()
}
