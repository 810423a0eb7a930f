// ABOUTME: Prometheus collectors for messaging, notifications, inbox enrichment and HTTP
// ABOUTME: Registered on a dedicated registry so tests can build independent instances

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notification results
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
	ResultSkipped   = "skipped"
	ResultDuplicate = "duplicate"
)

// Metrics holds every collector the service exports.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesAppended     prometheus.Counter
	conversationsCreated prometheus.Counter
	readsMarked          prometheus.Counter
	notifications        *prometheus.CounterVec
	enrichmentFailures   *prometheus.CounterVec
	notifyQueueDepth     prometheus.Gauge
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	activeStreams        prometheus.Gauge
}

// New creates a Metrics with its own registry, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messagesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "locus_dm_messages_appended_total",
			Help: "Total number of messages appended to conversations",
		}),
		conversationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "locus_dm_conversations_created_total",
			Help: "Total number of conversations created",
		}),
		readsMarked: factory.NewCounter(prometheus.CounterOpts{
			Name: "locus_dm_messages_marked_read_total",
			Help: "Total number of messages stamped as read",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_dm_notifications_total",
			Help: "Notification outcomes by result",
		}, []string{"result"}),
		enrichmentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_dm_inbox_enrichment_failures_total",
			Help: "Inbox enrichment fetches that failed, by field",
		}, []string{"field"}),
		notifyQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "locus_dm_notify_queue_depth",
			Help: "Notifications waiting in the in-process queue",
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_dm_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locus_dm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "locus_dm_event_streams_active",
			Help: "Number of open conversation event streams",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) ConversationCreated() {
	if m == nil {
		return
	}
	m.conversationsCreated.Inc()
}

func (m *Metrics) MessagesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readsMarked.Add(float64(n))
}

// Notification records one notification outcome. See the Result constants.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) EnrichmentFailed(field string) {
	if m == nil {
		return
	}
	m.enrichmentFailures.WithLabelValues(field).Inc()
}

func (m *Metrics) SetNotifyQueueDepth(n int) {
	if m == nil {
		return
	}
	m.notifyQueueDepth.Set(float64(n))
}

// StreamOpened increments the open stream gauge and returns a func that decrements it.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}

// ObserveHTTP records a finished request. route must be the pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
