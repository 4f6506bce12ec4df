// Package metrics exposes Prometheus collectors for dispatch activity.
//
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests and in the CLI.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maildam"

type Metrics struct {
	registry *prometheus.Registry
	sends    *prometheus.CounterVec
	retries  prometheus.Counter
	runs     *prometheus.CounterVec
	active   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Per-recipient delivery outcomes.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Send calls repeated after a transient failure.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Finished dispatch runs by final status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_active",
			Help:      "Dispatch runs currently sending.",
		}),
	}

	m.registry.MustRegister(
		m.sends,
		m.retries,
		m.runs,
		m.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveSend(success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "sent"
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.runs.WithLabelValues(status).Inc()
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
