package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Metrics implements entitlements.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	providerFetchTotal        *prometheus.CounterVec
	providerFetchDuration     *prometheus.HistogramVec
	adminOverridesTotal       *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received, by type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		providerFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "provider_fetch_total",
			Help:      "Total number of canonical state fetches from billing providers.",
		}, []string{"provider", "status"}),

		providerFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "provider_fetch_duration_seconds",
			Help:      "Duration of canonical state fetches in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		adminOverridesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "admin_overrides_total",
			Help:      "Total number of admin entitlement overrides.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordProviderFetch(provider, status string) {
	m.providerFetchTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordProviderFetchDuration(provider string, duration time.Duration) {
	m.providerFetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordAdminOverride(operation string) {
	m.adminOverridesTotal.WithLabelValues(operation).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) entitlements.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
