// Package metrics holds the Prometheus instruments for the dispatch service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

const namespace = "notification_dispatch"

type Metrics struct {
	registry *prometheus.Registry

	accepted      *prometheus.CounterVec
	duplicates    prometheus.Counter
	sends         *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	webhookSends  *prometheus.CounterVec
	webhookFanout prometheus.Counter
}

// New builds a private registry with Go and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_accepted_total",
			Help: "Notifications accepted for dispatch, by target kind.",
		}, []string{"target_kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotent_replays_total",
			Help: "Send requests answered from an existing idempotency key.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_sends_total",
			Help: "Provider send attempts, by platform and outcome.",
		}, []string{"platform", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provider_send_duration_seconds",
			Help:    "Latency of a single provider send.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_transitions_total",
			Help: "Delivery log transitions, by target status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth",
			Help: "Jobs waiting for a dispatch worker.",
		}),
		webhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts, by result.",
		}, []string{"result"}),
		webhookFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_attempts_created_total",
			Help: "Webhook attempts created from outbox events.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.accepted, m.duplicates, m.sends, m.sendDuration,
		m.transitions, m.queueDepth, m.webhookSends, m.webhookFanout,
	)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Accepted(kind notification.TargetKind) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Send(p notification.Platform, kind notification.OutcomeKind, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(string(p), string(kind)).Inc()
	m.sendDuration.WithLabelValues(string(p)).Observe(took.Seconds())
}

func (m *Metrics) Transition(to notification.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhookSends.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookFanout(n int) {
	if m == nil {
		return
	}
	m.webhookFanout.Add(float64(n))
}
