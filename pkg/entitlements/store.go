package entitlements

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence: the user profile
// slice this package owns plus the two append-only ledgers.
// All methods use concrete types from this package to avoid import cycles.
type Store interface {
	// GetProfile retrieves a profile by local user id.
	// Returns ErrProfileNotFound when no profile exists.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// FindProfileByAppUserID retrieves the profile whose provider-mapping
	// field equals appUserID exactly. Returns ErrProfileNotFound when no
	// mapping exists.
	FindProfileByAppUserID(ctx context.Context, appUserID string) (*Profile, error)

	// UpsertProfile creates or replaces a profile.
	UpsertProfile(ctx context.Context, profile *Profile) error

	// UpdateProfileSnapshot writes the current entitlement snapshot onto a
	// profile (last-write-wins). Returns ErrProfileNotFound when the profile
	// does not exist.
	UpdateProfileSnapshot(ctx context.Context, userID string, snap Snapshot) error

	// InsertWebhookReceipt records a webhook receipt with insert-or-ignore
	// semantics keyed on EventID. Returns false when a receipt with the same
	// event id already exists; in that case zero writes occurred.
	InsertWebhookReceipt(ctx context.Context, rec *WebhookReceipt) (bool, error)

	// GetWebhookReceipt retrieves a receipt by external event id.
	// Returns ErrReceiptNotFound when no receipt exists.
	GetWebhookReceipt(ctx context.Context, eventID string) (*WebhookReceipt, error)

	// MarkReceiptProcessed transitions a receipt to processed, attaching the
	// final snapshot and the resolved user id (empty when unresolved).
	MarkReceiptProcessed(ctx context.Context, receiptID, userID string, snap Snapshot, processedAt time.Time) error

	// MarkReceiptSkipped transitions a receipt to skipped with an explanation.
	MarkReceiptSkipped(ctx context.Context, receiptID, reason string, processedAt time.Time) error

	// ListWebhookReceipts returns receipts matching the filter, newest first.
	ListWebhookReceipts(ctx context.Context, filter ReceiptFilter) ([]*WebhookReceipt, error)

	// ApplyAdminOverride atomically writes rec.After onto the user's profile
	// and appends rec to the admin ledger. Both writes happen in one
	// transaction so the profile can never change without an audit trail.
	ApplyAdminOverride(ctx context.Context, rec *AdminReceipt) error

	// ListAdminReceipts returns admin receipts for a user, newest first.
	ListAdminReceipts(ctx context.Context, userID string, limit int) ([]*AdminReceipt, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// ReceiptFilter selects webhook receipts for audit queries.
type ReceiptFilter struct {
	// AppUserID filters by provider-side user id (optional)
	AppUserID string

	// Status filters by processing status (optional)
	Status ReceiptStatus

	// Unresolved selects receipts whose local user id is still empty
	Unresolved bool

	// Limit caps the number of results (default: 100)
	Limit int
}
