// Package metrics exposes node counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unl"

// Metrics holds the node's collectors
type Metrics struct {
	registry *prometheus.Registry

	admitted          *prometheus.CounterVec
	duplicates        prometheus.Counter
	punches           *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	suppressed        prometheus.Counter
	connections       prometheus.Gauge
}

// New creates the collectors and registers them
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_admitted_total",
			Help:      "Connections added to the table.",
		}, []string{"direction"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_duplicate_total",
			Help:      "Connections rejected by the duplicate-IP policy.",
		}),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punches_total",
			Help:      "Finished punch negotiations by outcome.",
		}, []string{"outcome"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-connection send failures during broadcast.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_suppressed_total",
			Help:      "Messages dropped as already seen.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections in the table.",
		}),
	}
	m.registry.MustRegister(
		m.admitted,
		m.duplicates,
		m.punches,
		m.broadcastFailures,
		m.suppressed,
		m.connections,
	)
	return m
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Admitted(direction string) {
	if m != nil {
		m.admitted.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// Punch records a finished negotiation
func (m *Metrics) Punch(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.punches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BroadcastFailures(n int) {
	if m != nil && n > 0 {
		m.broadcastFailures.Add(float64(n))
	}
}

func (m *Metrics) Suppressed() {
	if m != nil {
		m.suppressed.Inc()
	}
}

// SetConnections records the current table size
func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}
