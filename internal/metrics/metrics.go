package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lcbro"

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Discovery metrics
	DiscoveryRuns      *prometheus.CounterVec
	DiscoveryDuration  *prometheus.HistogramVec
	BrowsersDiscovered *prometheus.GaugeVec

	// CDP metrics
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	OrphanResponses prometheus.Counter
	Events          *prometheus.CounterVec

	// Context metrics
	ContextsActive prometheus.Gauge
	Connects       *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DiscoveryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_runs_total",
			Help:      "Discovery passes by source.",
		}, []string{"source"}),
		DiscoveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Wall time of a discovery pass.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		BrowsersDiscovered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browsers_discovered",
			Help:      "Browsers found by the most recent discovery pass.",
		}, []string{"source"}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdp_commands_total",
			Help:      "CDP commands by method and outcome.",
		}, []string{"method", "outcome"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cdp_command_duration_seconds",
			Help:      "CDP command round trip time.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		OrphanResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdp_orphan_responses_total",
			Help:      "Responses that arrived after their command timed out.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdp_events_total",
			Help:      "CDP events received by method.",
		}, []string{"method"}),

		ContextsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Connection contexts with an open transport.",
		}),
		Connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connect attempts by outcome.",
		}, []string{"outcome"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by outcome.",
		}, []string{"outcome"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDiscovery records one discovery pass
func (m *Metrics) ObserveDiscovery(source string, found int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues(source).Inc()
	m.DiscoveryDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.BrowsersDiscovered.WithLabelValues(source).Set(float64(found))
}

// ObserveCommand records one CDP command round trip
func (m *Metrics) ObserveCommand(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(method, outcome).Inc()
	m.CommandDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveEvent counts an inbound CDP event
func (m *Metrics) ObserveEvent(method string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(method).Inc()
}

// AddOrphans adds late responses to the orphan counter
func (m *Metrics) AddOrphans(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphanResponses.Add(float64(n))
}

// SetActiveContexts updates the active contexts gauge
func (m *Metrics) SetActiveContexts(n int) {
	if m == nil {
		return
	}
	m.ContextsActive.Set(float64(n))
}

// ObserveConnect counts a connect attempt
func (m *Metrics) ObserveConnect(outcome string) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(outcome).Inc()
}

// ObserveReconnect counts a reconnection step
func (m *Metrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// ObserveRequest records a control API request
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
