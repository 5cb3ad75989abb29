// Package obs exposes the relay's Prometheus metrics.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickrelay/internal/domain"
)

// Metrics holds every collector the relay updates. It owns its registry so
// tests can create independent instances.
type Metrics struct {
	reg *prometheus.Registry

	TicksPublished   *prometheus.CounterVec
	TicksDroppedOld  prometheus.Counter
	OutboxDropped    prometheus.Counter
	PollErrors       *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	Connections      prometheus.Gauge
	DeadConnections  prometheus.Counter
	BrokerCallTiming *prometheus.HistogramVec
	BrokerCallErrors *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TicksPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tickrelay_ticks_published_total", Help: "Ticks delivered to at least one connection"},
			[]string{"instrument"},
		),
		TicksDroppedOld: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "tickrelay_ticks_dropped_stale_total", Help: "Ticks dropped for being older than the last published tick"},
		),
		OutboxDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "tickrelay_outbox_dropped_total", Help: "Frames discarded from full connection outboxes"},
		),
		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tickrelay_poll_errors_total", Help: "Failed latest-tick fetches"},
			[]string{"instrument"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tickrelay_orders_total", Help: "Order results by status"},
			[]string{"status"},
		),
		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "tickrelay_connections_active", Help: "Open client connections"},
		),
		DeadConnections: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "tickrelay_connections_dead_total", Help: "Connections dropped after a failed enqueue"},
		),
		BrokerCallTiming: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickrelay_broker_call_seconds",
				Help:    "Upstream broker call latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"op"},
		),
		BrokerCallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tickrelay_broker_call_errors_total", Help: "Failed upstream broker calls"},
			[]string{"op"},
		),
	}
	m.reg.MustRegister(
		m.TicksPublished, m.TicksDroppedOld, m.OutboxDropped, m.PollErrors, m.Orders,
		m.Connections, m.DeadConnections, m.BrokerCallTiming, m.BrokerCallErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveBrokerCall records one upstream call.
func (m *Metrics) ObserveBrokerCall(op string, elapsed time.Duration, err error) {
	m.BrokerCallTiming.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.BrokerCallErrors.WithLabelValues(op).Inc()
	}
}

// TickPublished counts a tick that reached at least one connection.
func (m *Metrics) TickPublished(inst domain.Instrument, delivered int) {
	if delivered > 0 {
		m.TicksPublished.WithLabelValues(inst.String()).Inc()
	}
}

// StaleTickDropped counts an out-of-order tick.
func (m *Metrics) StaleTickDropped(domain.Instrument) { m.TicksDroppedOld.Inc() }

// ConnectionDead counts a connection removed after a failed enqueue.
func (m *Metrics) ConnectionDead(string) { m.DeadConnections.Inc() }

// FetchFailed counts a failed poll fetch.
func (m *Metrics) FetchFailed(inst domain.Instrument) {
	m.PollErrors.WithLabelValues(inst.String()).Inc()
}

// OrderResult counts a terminal order outcome.
func (m *Metrics) OrderResult(res domain.OrderResult) {
	m.Orders.WithLabelValues(string(res.Status)).Inc()
}
