// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	BusEventsTotal     *prometheus.CounterVec
	BusDroppedTotal    *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	CommandQueueDepth  *prometheus.GaugeVec
	ReconcilerTicks    prometheus.Counter
	UsagePollsTotal    *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Total number of HTTP API requests by route and status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_request_duration_seconds",
				Help:    "Request processing duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BusEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_bus_events_total",
				Help: "Total number of events published on the event bus by type.",
			},
			[]string{"type"},
		),
		BusDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_bus_dropped_total",
				Help: "Total number of events dropped because a subscriber's queue was full.",
			},
			[]string{"type"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_sessions_active",
				Help: "Number of sessions currently tracked as active.",
			},
		),
		CommandQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_command_queue_depth",
				Help: "Command queue entries by status.",
			},
			[]string{"status"},
		),
		ReconcilerTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_reconciler_ticks_total",
				Help: "Total number of reconciler cycles executed.",
			},
		),
		UsagePollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_usage_polls_total",
				Help: "Total number of provider usage polls by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_errors_total",
				Help: "Total errors by component and type.",
			},
			[]string{"component", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.BusEventsTotal)
	reg.MustRegister(m.BusDroppedTotal)
	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.CommandQueueDepth)
	reg.MustRegister(m.ReconcilerTicks)
	reg.MustRegister(m.UsagePollsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errType string) {
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}

// RecordBusEvent increments the bus event counter, and the dropped
// counter too when the publish could not reach a subscriber.
func (m *Metrics) RecordBusEvent(eventType string, dropped bool) {
	m.BusEventsTotal.WithLabelValues(eventType).Inc()
	if dropped {
		m.BusDroppedTotal.WithLabelValues(eventType).Inc()
	}
}

// RecordUsagePoll increments the usage-poll counter.
func (m *Metrics) RecordUsagePoll(provider, outcome string) {
	m.UsagePollsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// SetSessionsActive sets the active-session gauge.
func (m *Metrics) SetSessionsActive(count float64) {
	m.SessionsActive.Set(count)
}

// SetCommandQueueDepth sets the per-status queue depth gauge.
func (m *Metrics) SetCommandQueueDepth(status string, count float64) {
	m.CommandQueueDepth.WithLabelValues(status).Set(count)
}

// IncReconcilerTick increments the reconciler tick counter.
func (m *Metrics) IncReconcilerTick() {
	m.ReconcilerTicks.Inc()
}
