package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the event loop's Prometheus collectors. They are the only
// server state read from other goroutines.
type Metrics struct {
	accepted          prometheus.Counter
	open              prometheus.Gauge
	handshakes        prometheus.Counter
	drops             *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	pollBatch         prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsloop_connections_accepted_total",
			Help: "Total number of sockets accepted from the listener",
		}),
		open: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsloop_connections_open",
			Help: "Current number of connections in the connection table",
		}),
		handshakes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsloop_handshakes_completed_total",
			Help: "Total number of 101 responses fully flushed",
		}),
		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsloop_connection_errors_total",
			Help: "Total number of connection failures, by error kind",
		}, []string{"kind"}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsloop_handshake_duration_seconds",
			Help:    "Time from accept to a flushed 101 response",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		pollBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsloop_poll_batch_size",
			Help:    "Number of readiness events returned per poll",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) connAccepted() { m.accepted.Inc() }

func (m *Metrics) connOpened() { m.open.Inc() }

func (m *Metrics) connClosed() { m.open.Dec() }

func (m *Metrics) failure(kind ErrorKind) {
	m.drops.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) handshakeCompleted(d time.Duration) {
	m.handshakes.Inc()
	m.handshakeDuration.Observe(d.Seconds())
}

func (m *Metrics) polled(n int) {
	if n > 0 {
		m.pollBatch.Observe(float64(n))
	}
}
