// Package metrics holds the Prometheus collectors of the realtime layer.
//
// Collectors are registered on an injected registry so tests and multiple
// application instances never collide on the global default registry. Every
// recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aphila"

// Metrics groups every collector
type Metrics struct {
	// Deliveries counts routed envelopes.
	// Labels: method (direct|queued)
	Deliveries *prometheus.CounterVec

	// DeliveryFailures counts envelopes rejected before routing.
	// Labels: reason (invalid|rate_limited|archive|queue)
	DeliveryFailures *prometheus.CounterVec

	// WriteFailures counts per-connection write errors and recovered panics during fan-out.
	WriteFailures prometheus.Counter

	// QueueEvictions counts envelopes dropped by the drop-oldest policy.
	QueueEvictions prometheus.Counter

	// QueueExpired counts envelopes removed by the expiry sweep.
	QueueExpired prometheus.Counter

	// QueueDrained counts envelopes handed to reconnecting clients.
	QueueDrained prometheus.Counter

	// Broadcasts counts room fan-outs.
	// Labels: event
	Broadcasts *prometheus.CounterVec

	// BroadcastRecipients measures how many connections accepted each broadcast.
	BroadcastRecipients prometheus.Histogram

	// Connections is the number of live socket connections.
	Connections prometheus.Gauge

	// OnlineUsers is the number of users with at least one device online.
	OnlineUsers prometheus.Gauge

	// InboundEvents counts client frames by event.
	// Labels: event
	InboundEvents *prometheus.CounterVec

	// HTTPRequests counts fallback API requests.
	// Labels: method, route, status
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures fallback API latency in seconds.
	// Labels: method, route
	HTTPDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. A nil reg creates a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Routed envelopes by delivery method.",
		}, []string{"method"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Envelopes rejected before routing by reason.",
		}, []string{"reason"}),
		WriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_write_failures_total",
			Help:      "Per-connection write failures during fan-out.",
		}),
		QueueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_evictions_total",
			Help:      "Envelopes evicted from full offline queues.",
		}),
		QueueExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_expired_total",
			Help:      "Envelopes removed from offline queues by age.",
		}),
		QueueDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_drained_total",
			Help:      "Queued envelopes handed to reconnecting clients.",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by event.",
		}, []string{"event"}),
		BroadcastRecipients: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Connections that accepted each broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live socket connections.",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one device online.",
		}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client frames by event.",
		}, []string{"event"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Fallback API requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Fallback API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) DeliveryRecorded(method string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(method).Inc()
}

func (m *Metrics) DeliveryRejected(reason string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) WriteFailed() {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
}

func (m *Metrics) QueueEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueEvictions.Add(float64(n))
}

func (m *Metrics) QueueExpiredAdd(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueExpired.Add(float64(n))
}

func (m *Metrics) QueueDrainedAdd(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDrained.Add(float64(n))
}

func (m *Metrics) BroadcastRecorded(event string, recipients int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(event).Inc()
	m.BroadcastRecipients.Observe(float64(recipients))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) InboundEvent(event string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
