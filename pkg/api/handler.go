// Package api provides framework-agnostic net/http handlers for the
// entitlement subsystem: the billing webhook sink, the client-facing
// entitlements read endpoint, the admin override surface, and health.
// Mount them on any router (chi, gin, echo, fiber adapters, gorilla).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kerbwatch/entitlements/pkg/api/internal"
	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Handler provides HTTP endpoints for webhook ingestion and entitlement reads
type Handler struct {
	config      Config
	rateLimiter *internal.RateLimiter
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.AdminID == "" {
		config.AdminID = defaultAdminID
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &entitlements.NoopLogger{}
	}

	return &Handler{
		config:      config,
		rateLimiter: internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow),
	}, nil
}

func (h *Handler) logger() entitlements.Logger {
	return h.config.Logger
}

// WebhookHandler returns the billing webhook endpoint wrapped with rate
// limiting and shared-secret auth.
func (h *Handler) WebhookHandler() http.Handler {
	return h.rateLimiter.Middleware(h.webhookAuth(http.HandlerFunc(h.handleWebhook)))
}

// EntitlementsHandler returns the client-facing entitlement read endpoint.
func (h *Handler) EntitlementsHandler() http.Handler {
	return http.HandlerFunc(h.handleEntitlements)
}

// AdminSetHandler returns the admin endpoint that grants or updates pro access.
func (h *Handler) AdminSetHandler() http.Handler {
	return h.adminAuth(http.HandlerFunc(h.handleAdminSet))
}

// AdminRevokeHandler returns the admin endpoint that removes pro access.
func (h *Handler) AdminRevokeHandler() http.Handler {
	return h.adminAuth(http.HandlerFunc(h.handleAdminRevoke))
}

// AdminReprocessHandler returns the admin endpoint that re-runs
// reconciliation for an already-recorded webhook event.
func (h *Handler) AdminReprocessHandler() http.Handler {
	return h.adminAuth(http.HandlerFunc(h.handleAdminReprocess))
}

// AdminReceiptsHandler returns the admin endpoint that lists webhook receipts.
func (h *Handler) AdminReceiptsHandler() http.Handler {
	return h.adminAuth(http.HandlerFunc(h.handleAdminReceipts))
}

// HealthHandler returns the health endpoint.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(h.handleHealth)
}

// handleWebhook ingests one billing provider event. Validation failures are
// 400s before any write; failures after the receipt insert still return 200
// with a PROCESSING_ERROR marker so the provider never retry-storms.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeInvalidPayload)
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidPayload)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidPayload)
		return
	}

	ev := &entitlements.WebhookEvent{
		ID:               payload.Event.ID,
		Type:             payload.Event.Type,
		AppUserID:        payload.Event.AppUserID,
		EventTimestampMs: payload.Event.EventTimestampMs,
		RawPayload:       body,
	}

	res, err := h.config.Manager.Reconcile(r.Context(), ev)
	if err != nil {
		if errors.Is(err, entitlements.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, codeInvalidPayload)
			return
		}
		h.logger().Error("webhook ingestion failed",
			entitlements.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	switch {
	case res.Dedupe:
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Dedupe: true})
	case res.ProcessingErr != nil:
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: codeProcessingError})
	case res.Skipped:
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
	default:
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Processed: true, UserID: res.UserID})
	}
}

// handleEntitlements returns the caller's feature flags derived from the
// current snapshot at read time.
func (h *Handler) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	info, err := h.config.Manager.GetFeatures(r.Context(), userID)
	if err != nil {
		if errors.Is(err, entitlements.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, codeProfileNotFound)
			return
		}
		h.logger().Error("entitlement read failed",
			entitlements.Field{Key: "user_id", Value: userID},
			entitlements.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleAdminSet(w http.ResponseWriter, r *http.Request) {
	var req adminSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError)
		return
	}
	if req.Pro == nil {
		writeError(w, http.StatusBadRequest, codeValidationError)
		return
	}

	rec, err := h.config.Manager.SetPro(r.Context(), entitlements.SetProRequest{
		UserID:  req.UserID,
		Pro:     *req.Pro,
		Reason:  req.Reason,
		AdminID: h.config.AdminID,
	})
	h.writeAdminResult(w, rec, err)
}

func (h *Handler) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req adminRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationError)
		return
	}

	rec, err := h.config.Manager.RevokePro(r.Context(), entitlements.RevokeRequest{
		UserID:  req.UserID,
		Reason:  req.Reason,
		AdminID: h.config.AdminID,
	})
	h.writeAdminResult(w, rec, err)
}

func (h *Handler) writeAdminResult(w http.ResponseWriter, rec *entitlements.AdminReceipt, err error) {
	if err != nil {
		switch {
		case errors.Is(err, entitlements.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, codeValidationError)
		case errors.Is(err, entitlements.ErrProfileNotFound):
			writeError(w, http.StatusNotFound, codeUserNotFound)
		default:
			h.logger().Error("admin override failed",
				entitlements.Field{Key: "error", Value: err.Error()})
			writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	writeJSON(w, http.StatusOK, AdminOverrideResponse{Success: true, ReceiptID: rec.ID})
}

func (h *Handler) handleAdminReprocess(w http.ResponseWriter, r *http.Request) {
	var req adminReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
		writeError(w, http.StatusBadRequest, codeValidationError)
		return
	}

	rec, err := h.config.Manager.Reprocess(r.Context(), req.EventID)
	if err != nil {
		if errors.Is(err, entitlements.ErrReceiptNotFound) {
			writeError(w, http.StatusNotFound, codeReceiptNotFound)
			return
		}
		h.logger().Error("reprocess failed",
			entitlements.Field{Key: "event_id", Value: req.EventID},
			entitlements.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleAdminReceipts(w http.ResponseWriter, r *http.Request) {
	filter := entitlements.ReceiptFilter{
		AppUserID:  r.URL.Query().Get("appUserId"),
		Status:     entitlements.ReceiptStatus(r.URL.Query().Get("status")),
		Unresolved: r.URL.Query().Get("unresolved") == "true",
	}

	receipts, err := h.config.Manager.ListReceipts(r.Context(), filter)
	if err != nil {
		h.logger().Error("receipt listing failed",
			entitlements.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Manager.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	//nolint:errcheck // Encoding error after headers are sent is unrecoverable
	_ = internal.WriteJSON(w, code, data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message})
}
