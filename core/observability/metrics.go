package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute labels requests that fell through to the 404 fallback.
const UnmatchedRoute = "unmatched"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	notFound          prometheus.Counter
	handlerFailures   *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	workerInits       *prometheus.CounterVec
	transportInfo     *prometheus.GaugeVec
}

// NewMetrics creates the collectors under namespace, "guesthttp" when empty.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "guesthttp"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests by matched route and response status.",
	}, []string{"route", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time from decoded request head to the last response byte queued.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"route"})

	m.notFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "not_found_total",
		Help:      "Requests answered by the 404 fallback.",
	})

	m.handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_failures_total",
		Help:      "Handler errors and panics by route and outcome.",
	}, []string{"route", "outcome"})

	m.activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Open connections per event loop.",
	}, []string{"loop"})

	m.workerInits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_initializations_total",
		Help:      "Per-worker handler map initializations.",
	}, []string{"result"})

	m.transportInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_info",
		Help:      "Selected transport, set to 1.",
	}, []string{"kind", "channel"})

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.notFound,
		m.handlerFailures,
		m.activeConnections,
		m.workerInits,
		m.transportInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records a request whose response has been fully queued.
// route is the routing key, never the raw path.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotFound() {
	m.notFound.Inc()
}

// RecordHandlerFailure counts a failed handler. outcome is "error" or
// "panic".
func (m *Metrics) RecordHandlerFailure(route, outcome string) {
	m.handlerFailures.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) ConnectionOpened(loop int) {
	m.activeConnections.WithLabelValues(strconv.Itoa(loop)).Inc()
}

func (m *Metrics) ConnectionClosed(loop int) {
	m.activeConnections.WithLabelValues(strconv.Itoa(loop)).Dec()
}

// RecordWorkerInit counts a worker initialization, failed when err is set.
func (m *Metrics) RecordWorkerInit(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.workerInits.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTransport(kind, channel string) {
	m.transportInfo.Reset()
	m.transportInfo.WithLabelValues(kind, channel).Set(1)
}
