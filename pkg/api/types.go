package api

// Error codes returned in JSON error responses
const (
	codeInvalidPayload  = "INVALID_PAYLOAD"
	codeProcessingError = "PROCESSING_ERROR"
	codeInternalError   = "INTERNAL_ERROR"
	codeUnauthorized    = "UNAUTHORIZED"
	codeAdminDisabled   = "ADMIN_DISABLED"
	codeValidationError = "VALIDATION_ERROR"
	codeUserNotFound    = "USER_NOT_FOUND"
	codeProfileNotFound = "PROFILE_NOT_FOUND"
	codeReceiptNotFound = "RECEIPT_NOT_FOUND"
)

// WebhookResponse acknowledges an inbound billing event. Received is true on
// every 2xx response; Error carries PROCESSING_ERROR when the event was
// recorded but reconciliation failed (the provider must not retry).
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed,omitempty"`
	Dedupe    bool   `json:"dedupe,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the uniform JSON error shape
type ErrorResponse struct {
	Error string `json:"error"`
}

// AdminOverrideResponse reports a completed admin override
type AdminOverrideResponse struct {
	Success   bool   `json:"success"`
	ReceiptID string `json:"receiptId"`
}

// HealthResponse reports service and storage health
type HealthResponse struct {
	Status string `json:"status"`
}

// webhookPayload is the loose inbound webhook shape. Only the event envelope
// fields are read; everything else in the payload is ignored on purpose
// because the canonical state comes from the provider API, not the webhook.
type webhookPayload struct {
	Event struct {
		ID               string `json:"id"`
		Type             string `json:"type"`
		AppUserID        string `json:"app_user_id"`
		EventTimestampMs int64  `json:"event_timestamp_ms"`
	} `json:"event"`
}

// adminSetRequest grants or updates pro access. Pro is a pointer so a
// missing field is distinguishable from an explicit false.
type adminSetRequest struct {
	UserID string `json:"userId"`
	Pro    *bool  `json:"pro"`
	Reason string `json:"reason"`
}

// adminRevokeRequest removes pro access
type adminRevokeRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// adminReprocessRequest re-runs reconciliation for a recorded event
type adminReprocessRequest struct {
	EventID string `json:"eventId"`
}
