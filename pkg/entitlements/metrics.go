package entitlements

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordWebhookEvent records an ingested webhook event.
	// outcome: "processed", "dedupe", "skipped", or "error"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long reconciliation of one event took.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "invalid_payload", "provider_fetch", "profile_write", "ledger_write"
	RecordWebhookError(errorType string)

	// RecordProviderFetch records a canonical-state fetch against the billing provider.
	// status: "success" or "error"
	RecordProviderFetch(provider, status string)

	// RecordProviderFetchDuration records how long a canonical-state fetch took.
	RecordProviderFetchDuration(provider string, duration time.Duration)

	// RecordAdminOverride records a manual entitlement override.
	RecordAdminOverride(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordProviderFetch(_, _ string)                           {}
func (n *NoopMetrics) RecordProviderFetchDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordAdminOverride(_ string)                              {}
