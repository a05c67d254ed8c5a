package relayserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instruments, registered against
// a private registry so /metrics exposes only this server's series.
type Metrics struct {
	registry          *prometheus.Registry
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsBusy   prometheus.Counter
	MessagesRelayed   prometheus.Counter
	RateLimited       prometheus.Counter
	BlobsStored       prometheus.Gauge
	BlobsExpired      prometheus.Counter
}

// NewMetrics builds and registers a fresh Metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webbook_relay_connections_active",
			Help: "Currently open relay connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "webbook_relay_connections_total",
			Help: "Relay connections accepted since start.",
		}),
		ConnectionsBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: "webbook_relay_connections_rejected_busy_total",
			Help: "Connections rejected because the concurrency cap was reached.",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "webbook_relay_messages_relayed_total",
			Help: "SEND frames accepted and queued for delivery.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "webbook_relay_rate_limited_total",
			Help: "Frames rejected by the per-source-IP rate limiter.",
		}),
		BlobsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webbook_relay_blobs_stored",
			Help: "Blobs held awaiting acknowledgement, as of the last expiry sweep.",
		}),
		BlobsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "webbook_relay_blobs_expired_total",
			Help: "Blobs removed by the expiry sweep.",
		}),
	}
}

// Registry exposes the underlying Prometheus registry for HTTP wiring.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
