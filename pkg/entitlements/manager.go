package entitlements

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kerbwatch/entitlements/pkg/billing"
)

const defaultProviderTimeout = 10 * time.Second

// Config holds manager configuration
type Config struct {
	// Provider fetches canonical subscriber state (required).
	Provider billing.Provider

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking reconciliation operations (default: NoopMetrics).
	Metrics Metrics

	// Now supplies the clock; tests inject a fixed time (default: time.Now UTC).
	Now func() time.Time

	// ProviderTimeout bounds each canonical-state fetch (default: 10s).
	// A timed-out fetch is a processing error; the receipt stays recoverable.
	ProviderTimeout time.Duration
}

// Manager orchestrates webhook reconciliation, admin overrides, and the
// client-visible entitlement read path over a Store and a billing Provider.
type Manager struct {
	store  Store
	config Config
}

// NewManager creates a new entitlement manager with the given store and configuration
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if config.Provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.ProviderTimeout == 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}

	return &Manager{
		store:  store,
		config: config,
	}, nil
}

// Ping verifies the underlying store is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Reconcile ingests one webhook event through the receipt state machine:
//
//	received → deduped                                          (replay, no-op)
//	received → inserted → fetched → derived → persisted → processed
//	received → inserted → processing error                      (recoverable)
//
// Validation failures return an error before any write. Any failure after
// the receipt insert is reported in ReconcileResult.ProcessingErr instead of
// the error return: the event is durably recorded and the upstream provider
// must not be given a reason to retry.
func (m *Manager) Reconcile(ctx context.Context, ev *WebhookEvent) (*ReconcileResult, error) {
	if err := validateEvent(ev); err != nil {
		m.config.Metrics.RecordWebhookError("invalid_payload")
		return nil, err
	}

	startTime := m.config.Now()
	eventType := strings.TrimSpace(ev.Type)

	// Resolution may legitimately fail; the receipt records an empty user id
	// and stays recoverable via Reprocess.
	userID := m.resolveUserID(ctx, ev.AppUserID)

	rec := &WebhookReceipt{
		ID:             uuid.NewString(),
		EventID:        strings.TrimSpace(ev.ID),
		EventType:      eventType,
		EventTimestamp: time.UnixMilli(ev.EventTimestampMs).UTC(),
		AppUserID:      strings.TrimSpace(ev.AppUserID),
		UserID:         userID,
		PayloadHash:    hashPayload(ev.RawPayload),
		Status:         ReceiptPending,
		CreatedAt:      startTime,
	}

	inserted, err := m.store.InsertWebhookReceipt(ctx, rec)
	if err != nil {
		m.config.Metrics.RecordWebhookError("ledger_write")
		return nil, fmt.Errorf("failed to insert webhook receipt: %w", err)
	}

	if !inserted {
		m.config.Logger.Info("webhook event deduped",
			Field{Key: "event_id", Value: rec.EventID},
			Field{Key: "event_type", Value: eventType})
		m.config.Metrics.RecordWebhookEvent(eventType, "dedupe")

		existing, err := m.store.GetWebhookReceipt(ctx, rec.EventID)
		if err != nil {
			existing = nil // dedupe result stands even if the lookup fails
		}
		return &ReconcileResult{Receipt: existing, Dedupe: true}, nil
	}

	// Provider TEST events are recorded for audit but never reconciled.
	if strings.EqualFold(eventType, "TEST") {
		res := &ReconcileResult{Receipt: rec, Skipped: true, UserID: userID}
		if err := m.store.MarkReceiptSkipped(ctx, rec.ID, "test event", m.config.Now()); err != nil {
			res.ProcessingErr = err
			m.config.Metrics.RecordWebhookError("ledger_write")
			return res, nil
		}
		rec.Status = ReceiptSkipped
		rec.SkippedReason = "test event"
		m.config.Metrics.RecordWebhookEvent(eventType, "skipped")
		return res, nil
	}

	res := &ReconcileResult{Receipt: rec, UserID: userID}

	if err := m.process(ctx, rec); err != nil {
		m.config.Logger.Error("webhook processing failed",
			Field{Key: "event_id", Value: rec.EventID},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "error", Value: err.Error()})
		m.config.Metrics.RecordWebhookEvent(eventType, "error")
		m.config.Metrics.RecordWebhookError("processing_error")
		res.ProcessingErr = err
		return res, nil
	}

	res.Processed = true
	m.config.Metrics.RecordWebhookEvent(eventType, "processed")
	m.config.Metrics.RecordWebhookProcessingDuration(eventType, m.config.Now().Sub(startTime))
	return res, nil
}

// process runs steps 2–5 of the state machine for an inserted receipt:
// canonical fetch, snapshot derivation, profile write, mark processed.
func (m *Manager) process(ctx context.Context, rec *WebhookReceipt) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.config.ProviderTimeout)
	defer cancel()

	provider := m.config.Provider
	fetchStart := m.config.Now()
	sub, err := provider.GetSubscriber(fetchCtx, rec.AppUserID)
	m.config.Metrics.RecordProviderFetchDuration(provider.Name(), m.config.Now().Sub(fetchStart))
	if err != nil {
		m.config.Metrics.RecordProviderFetch(provider.Name(), "error")
		return fmt.Errorf("canonical fetch failed: %w", err)
	}
	m.config.Metrics.RecordProviderFetch(provider.Name(), "success")

	status := billing.ProStatus(sub)
	snap := Snapshot{
		Version:   SnapshotVersion,
		Pro:       status.IsPro,
		Source:    SourceProvider,
		UpdatedAt: m.config.Now(),
		ExpiresAt: status.ExpiresAt,
		ReceiptID: rec.ID,
	}

	// Unresolved users skip the profile write; the receipt still completes
	// and the event is recoverable by re-running resolution later.
	if rec.UserID != "" {
		if err := m.store.UpdateProfileSnapshot(ctx, rec.UserID, snap); err != nil {
			return fmt.Errorf("profile write failed: %w", err)
		}
	}

	processedAt := m.config.Now()
	if err := m.store.MarkReceiptProcessed(ctx, rec.ID, rec.UserID, snap, processedAt); err != nil {
		return fmt.Errorf("failed to mark receipt processed: %w", err)
	}

	rec.Status = ReceiptProcessed
	rec.Snapshot = &snap
	rec.ProcessedAt = &processedAt
	return nil
}

// Reprocess re-runs resolution and reconciliation for an already-recorded
// receipt. Used to recover events whose processing failed or whose app user
// id had not been linked to a local account at ingestion time.
func (m *Manager) Reprocess(ctx context.Context, eventID string) (*WebhookReceipt, error) {
	rec, err := m.store.GetWebhookReceipt(ctx, strings.TrimSpace(eventID))
	if err != nil {
		return nil, err
	}

	if rec.UserID == "" {
		rec.UserID = m.resolveUserID(ctx, rec.AppUserID)
	}

	if err := m.process(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// GetFeatures returns the client-visible entitlement state for a user,
// deriving feature flags from the current snapshot at read time. Profiles
// without a stored snapshot get the default neutral one; "never purchased"
// is not an error.
func (m *Manager) GetFeatures(ctx context.Context, userID string) (*EntitlementInfo, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := DefaultSnapshot()
	if profile.Snapshot != nil && profile.Snapshot.Version > 0 {
		snap = *profile.Snapshot
	}

	return &EntitlementInfo{
		Version:   SnapshotVersion,
		Features:  DeriveFeatures(snap, m.config.Now()),
		UpdatedAt: snap.UpdatedAt,
	}, nil
}

// SetPro manually overrides a user's pro status. The profile write and the
// admin receipt append happen in one storage transaction.
func (m *Manager) SetPro(ctx context.Context, req SetProRequest) (*AdminReceipt, error) {
	return m.applyOverride(ctx, req, OperationSet)
}

// RevokePro removes pro access. It is SetPro with pro=false, recorded with
// the revoke operation; there is no separate code path.
func (m *Manager) RevokePro(ctx context.Context, req RevokeRequest) (*AdminReceipt, error) {
	return m.applyOverride(ctx, SetProRequest{
		UserID:  req.UserID,
		Pro:     false,
		Reason:  req.Reason,
		AdminID: req.AdminID,
	}, OperationRevoke)
}

func (m *Manager) applyOverride(ctx context.Context, req SetProRequest, op AdminOperation) (*AdminReceipt, error) {
	if _, err := uuid.Parse(strings.TrimSpace(req.UserID)); err != nil {
		return nil, fmt.Errorf("%w: userId must be a UUID", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.AdminID) == "" {
		return nil, fmt.Errorf("%w: adminId is required", ErrInvalidRequest)
	}

	profile, err := m.store.GetProfile(ctx, strings.TrimSpace(req.UserID))
	if err != nil {
		return nil, err
	}

	before := DefaultSnapshot()
	if profile.Snapshot != nil && profile.Snapshot.Version > 0 {
		before = *profile.Snapshot
	}

	now := m.config.Now()
	after := Snapshot{
		Version:   SnapshotVersion,
		Pro:       req.Pro,
		Source:    SourceAdmin,
		UpdatedAt: now,
		Reason:    strings.TrimSpace(req.Reason),
	}

	rec := &AdminReceipt{
		ID:        uuid.NewString(),
		AdminID:   strings.TrimSpace(req.AdminID),
		UserID:    profile.ID,
		Operation: op,
		Reason:    strings.TrimSpace(req.Reason),
		Before:    before,
		After:     after,
		CreatedAt: now,
	}

	if err := m.store.ApplyAdminOverride(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to apply admin override: %w", err)
	}

	m.config.Logger.Info("admin override applied",
		Field{Key: "user_id", Value: rec.UserID},
		Field{Key: "operation", Value: string(op)},
		Field{Key: "pro", Value: req.Pro})
	m.config.Metrics.RecordAdminOverride(string(op))

	return rec, nil
}

// ListReceipts returns webhook ledger rows matching the filter, newest
// first. Intended for audit tooling and for finding receipts that need
// Reprocess (pending status or unresolved user).
func (m *Manager) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*WebhookReceipt, error) {
	return m.store.ListWebhookReceipts(ctx, filter)
}

// AuditTrail returns the admin ledger for a user, newest first.
func (m *Manager) AuditTrail(ctx context.Context, userID string, limit int) ([]*AdminReceipt, error) {
	if _, err := uuid.Parse(strings.TrimSpace(userID)); err != nil {
		return nil, fmt.Errorf("%w: userId must be a UUID", ErrInvalidRequest)
	}
	return m.store.ListAdminReceipts(ctx, strings.TrimSpace(userID), limit)
}

// resolveUserID maps a provider-side app user id to a local user id.
// Primary: the profile whose provider mapping equals appUserID exactly.
// Fallback: the provider SDK may have been initialised with the local id
// itself; try it as a profile id, but only if it parses as a UUID.
// Unresolved ids are legitimate and never raise.
func (m *Manager) resolveUserID(ctx context.Context, appUserID string) string {
	appUserID = strings.TrimSpace(appUserID)
	if appUserID == "" {
		return ""
	}

	if profile, err := m.store.FindProfileByAppUserID(ctx, appUserID); err == nil && profile != nil {
		return profile.ID
	}

	if _, err := uuid.Parse(appUserID); err != nil {
		return ""
	}
	if profile, err := m.store.GetProfile(ctx, appUserID); err == nil && profile != nil {
		return profile.ID
	}

	return ""
}

func validateEvent(ev *WebhookEvent) error {
	if ev == nil {
		return ErrInvalidEvent
	}
	if strings.TrimSpace(ev.ID) == "" ||
		strings.TrimSpace(ev.Type) == "" ||
		strings.TrimSpace(ev.AppUserID) == "" ||
		ev.EventTimestampMs <= 0 {
		return ErrInvalidEvent
	}
	return nil
}

// hashPayload content-hashes the raw payload so receipts are auditable
// without storing full payloads redundantly.
func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
