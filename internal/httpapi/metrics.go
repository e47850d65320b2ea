package httpapi

import (
	"net/http"

	"callsig/internal/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the API's Prometheus registry. It also records signal traffic
// for the signal service.
type Metrics struct {
	registry        *prometheus.Registry
	signalsSent     *prometheus.CounterVec
	broadcastFailed *prometheus.CounterVec
	streams         prometheus.Gauge
	streamsRejected prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signalsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callsig_signals_sent_total",
			Help: "Signals stored, by type.",
		}, []string{"signal_type"}),
		broadcastFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callsig_signal_broadcast_failures_total",
			Help: "Signals stored but not broadcast, by type.",
		}, []string{"signal_type"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callsig_signal_streams",
			Help: "Open signal streams.",
		}),
		streamsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callsig_signal_streams_rejected_total",
			Help: "Signal streams refused because the user had too many open.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signalsSent,
		m.broadcastFailed,
		m.streams,
		m.streamsRejected,
	)
	return m
}

func (m *Metrics) SignalSent(t signal.Type) {
	m.signalsSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) SignalBroadcastFailed(t signal.Type) {
	m.broadcastFailed.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) streamOpened() { m.streams.Inc() }

func (m *Metrics) streamClosed() { m.streams.Dec() }

func (m *Metrics) streamRejected() { m.streamsRejected.Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
