package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe on a nil receiver so callers can run without them.
type Metrics struct {
	registry         *prometheus.Registry
	transactions     *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	listenerFailures *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasira",
			Name:      "transactions_created_total",
			Help:      "Transactions committed, by payment method and initial status.",
		}, []string{"method", "status"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasira",
			Name:      "settlements_total",
			Help:      "Settlement attempts, by target status and outcome.",
		}, []string{"status", "outcome"}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasira",
			Name:      "notifier_listener_failures_total",
			Help:      "Notifier listeners that returned an error or panicked.",
		}, []string{"event"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kasira",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.transactions,
		m.settlements,
		m.listenerFailures,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TransactionCreated(method string, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(method, status).Inc()
}

func (m *Metrics) Settlement(status string, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) ListenerFailed(event string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveHTTP(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
