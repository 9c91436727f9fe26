package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assetstore"

// Metrics holds every collector the service exports. All methods are safe on
// a nil receiver so components can run without instrumentation in tests.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	WebhookEvents   *prometheus.CounterVec
	GrantsIssued    prometheus.Counter
	OutboxPublished *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Processor webhook deliveries by reconciliation result.",
	}, []string{"outcome"})
	grants := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_grants_total",
		Help:      "Download grants issued on PAID transitions.",
	})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Outbox messages handed to the publisher.",
	}, []string{"result"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		requests, latency, webhooks, grants, outbox,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		Requests:        requests,
		LatencyMS:       latency,
		WebhookEvents:   webhooks,
		GrantsIssued:    grants,
		OutboxPublished: outbox,
		registry:        reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) WebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GrantsIssuedAdd(n int) {
	if m == nil {
		return
	}
	m.GrantsIssued.Add(float64(n))
}

func (m *Metrics) OutboxPublish(result string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}
