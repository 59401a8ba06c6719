// Package metrics provides Prometheus instrumentation for the sniffer.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry.
type Metrics struct {
	reg *prometheus.Registry

	// Capture metrics
	PacketsTotal   prometheus.Counter
	PacketsDropped prometheus.Counter

	// Connection metrics
	ActiveParsers prometheus.Gauge
	Connections   *prometheus.CounterVec
	StreamBytes   *prometheus.CounterVec
	StreamGaps    prometheus.Counter

	// Transaction metrics
	Transactions *prometheus.CounterVec
	Anomalies    *prometheus.CounterVec
	BodyBytes    *prometheus.CounterVec
}

// New creates a Metrics instance registered on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "htpsniff"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		PacketsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total number of TCP packets handed to reassembly",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped because reassembly could not keep up",
		}),
		ActiveParsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_parsers",
			Help:      "Number of connection parsers currently alive",
		}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections by lifecycle event",
		}, []string{"event"}),
		StreamBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Reassembled stream bytes fed to parsers",
		}, []string{"direction"}),
		StreamGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_gaps_total",
			Help:      "Reassembly gaps caused by missing segments",
		}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Completed HTTP transactions",
		}, []string{"method", "status"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Parser log entries by code and level",
		}, []string{"code", "level"}),
		BodyBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_bytes_total",
			Help:      "Decoded body bytes delivered to hooks",
		}, []string{"direction"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// StatusClass buckets an HTTP status for use as a label.
func StatusClass(status int) string {
	if status < 100 || status > 999 {
		return "invalid"
	}
	return strconv.Itoa(status/100) + "xx"
}
