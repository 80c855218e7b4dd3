package entitlements

import "time"

// SnapshotVersion is the current entitlement snapshot schema version.
const SnapshotVersion = 1

// SnapshotSource identifies where an entitlement snapshot came from.
type SnapshotSource string

const (
	// SourceProvider marks snapshots derived from the billing provider's canonical state
	SourceProvider SnapshotSource = "provider"
	// SourceAdmin marks snapshots written by a manual admin override
	SourceAdmin SnapshotSource = "admin"
)

// Snapshot describes a user's paid-feature access at a point in time.
// The current snapshot lives on the profile (last-write-wins); every
// superseded snapshot survives in a webhook or admin receipt, so the
// current state is always reconstructable from ledger history.
type Snapshot struct {
	Version   int            `json:"version" firestore:"version"`
	Pro       bool           `json:"pro" firestore:"pro"`
	Source    SnapshotSource `json:"source" firestore:"source"`
	UpdatedAt time.Time      `json:"updatedAt" firestore:"updated_at"`

	// ExpiresAt, when set and in the past, overrides Pro at read time.
	// Expiry is enforced by DeriveFeatures, never at write time.
	ExpiresAt *time.Time `json:"expiresAt,omitempty" firestore:"expires_at,omitempty"`

	// Reason is required for admin-sourced snapshots.
	Reason string `json:"reason,omitempty" firestore:"reason,omitempty"`

	// ReceiptID back-references the webhook receipt that produced this snapshot.
	ReceiptID string `json:"receiptId,omitempty" firestore:"receipt_id,omitempty"`
}

// DefaultSnapshot returns the neutral snapshot used for profiles that have
// never purchased: pro=false, admin-sourced, zero UpdatedAt.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Version: SnapshotVersion,
		Pro:     false,
		Source:  SourceAdmin,
	}
}

// Features is the boolean feature-flag set exposed to clients.
type Features struct {
	Reports bool `json:"reports"`
	VIN     bool `json:"vin"`
	Photos  bool `json:"photos"`
	AI      bool `json:"ai"`
}

// ReceiptStatus is the processing state of a webhook receipt.
type ReceiptStatus string

const (
	// ReceiptPending means the receipt is recorded but reconciliation has not completed
	ReceiptPending ReceiptStatus = "pending"
	// ReceiptProcessed means reconciliation completed and a snapshot is attached
	ReceiptProcessed ReceiptStatus = "processed"
	// ReceiptSkipped means the event was recorded but deliberately not reconciled
	ReceiptSkipped ReceiptStatus = "skipped"
)

// WebhookReceipt is one row of the webhook ledger: a durable record of one
// accepted inbound billing event. The unique constraint on EventID is the
// sole idempotency and concurrency-correctness mechanism. Receipts are
// created pending, updated to processed or skipped exactly once, and never
// deleted.
type WebhookReceipt struct {
	ID             string        `json:"id"`
	EventID        string        `json:"eventId"`
	EventType      string        `json:"eventType"`
	EventTimestamp time.Time     `json:"eventTimestamp"`
	AppUserID      string        `json:"appUserId"`
	UserID         string        `json:"userId,omitempty"` // empty when resolution failed or is deferred
	PayloadHash    string        `json:"payloadHash"`
	Status         ReceiptStatus `json:"processedStatus"`
	SkippedReason  string        `json:"skippedReason,omitempty"`
	Snapshot       *Snapshot     `json:"entitlementSnapshot,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ProcessedAt    *time.Time    `json:"processedAt,omitempty"`
}

// AdminOperation classifies a manual entitlement override.
type AdminOperation string

const (
	// OperationSet grants or updates pro access
	OperationSet AdminOperation = "set"
	// OperationRevoke removes pro access (SetPro with pro=false)
	OperationRevoke AdminOperation = "revoke"
)

// AdminReceipt is one row of the admin ledger: a durable record of one
// manual entitlement override, with full before/after snapshots for audit
// diffing. Created exactly once per admin action, never mutated or deleted.
type AdminReceipt struct {
	ID        string         `json:"id"`
	AdminID   string         `json:"adminId"`
	UserID    string         `json:"userId"`
	Operation AdminOperation `json:"operation"`
	Reason    string         `json:"reason"`
	Before    Snapshot       `json:"entitlementBefore"`
	After     Snapshot       `json:"entitlementAfter"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Profile is the slice of the user profile this package owns: the current
// entitlement snapshot and the provider-side user id mapping used for
// resolution. Everything else on the profile belongs to other subsystems.
type Profile struct {
	ID                  string    `json:"id"`
	RevenueCatAppUserID string    `json:"revenuecatAppUserId,omitempty"`
	Snapshot            *Snapshot `json:"entitlements,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// WebhookEvent is a parsed inbound billing event. ID, Type, AppUserID, and
// EventTimestampMs are contractually required; RawPayload is the full
// request body, retained only long enough to hash it for the receipt.
type WebhookEvent struct {
	ID               string
	Type             string
	AppUserID        string
	EventTimestampMs int64
	RawPayload       []byte
}

// ReconcileResult reports the outcome of ingesting one webhook event.
type ReconcileResult struct {
	// Receipt is the ledger row for this event (the pre-existing row on dedupe).
	Receipt *WebhookReceipt

	// Dedupe is true when the event id was already recorded; no side effects occurred.
	Dedupe bool

	// Processed is true when reconciliation completed and the receipt is marked processed.
	Processed bool

	// Skipped is true when the event was recorded but deliberately not reconciled
	// (e.g. provider TEST events).
	Skipped bool

	// UserID is the resolved local user id, empty when resolution failed.
	UserID string

	// ProcessingErr is set when a step after the receipt insert failed. The
	// receipt stays recoverable; callers must still report the event as
	// received so the provider does not retry-storm.
	ProcessingErr error
}

// SetProRequest is a manual entitlement override request.
type SetProRequest struct {
	UserID  string
	Pro     bool
	Reason  string
	AdminID string
}

// RevokeRequest removes pro access; it is SetProRequest with Pro forced false.
type RevokeRequest struct {
	UserID  string
	Reason  string
	AdminID string
}

// EntitlementInfo is the client-visible entitlement state derived from the
// current snapshot at read time.
type EntitlementInfo struct {
	Version   int       `json:"version"`
	Features  Features  `json:"features"`
	UpdatedAt time.Time `json:"updatedAt"`
}
