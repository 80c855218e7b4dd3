// Package firestore provides a Firestore implementation of the entitlements.Store
// interface. Webhook receipt documents are keyed by event id and created with
// Create(), so the AlreadyExists failure doubles as the dedupe signal. Admin
// overrides run inside a Firestore transaction.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Storage implements entitlements.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	profilesCollection      string
	receiptsCollection      string
	adminReceiptsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection is the Firestore collection for user profiles
	// Default: "profiles"
	ProfilesCollection string

	// ReceiptsCollection is the Firestore collection for the webhook ledger
	// Default: "webhook_receipts"
	ReceiptsCollection string

	// AdminReceiptsCollection is the Firestore collection for the admin ledger
	// Default: "admin_receipts"
	AdminReceiptsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}
	if config.ReceiptsCollection == "" {
		config.ReceiptsCollection = "webhook_receipts"
	}
	if config.AdminReceiptsCollection == "" {
		config.AdminReceiptsCollection = "admin_receipts"
	}

	return &Storage{
		client:                  client,
		profilesCollection:      config.ProfilesCollection,
		receiptsCollection:      config.ReceiptsCollection,
		adminReceiptsCollection: config.AdminReceiptsCollection,
	}, nil
}

type profileDoc struct {
	RevenueCatAppUserID string                 `firestore:"revenuecat_app_user_id,omitempty"`
	Snapshot            *entitlements.Snapshot `firestore:"entitlements,omitempty"`
	CreatedAt           time.Time              `firestore:"created_at"`
	UpdatedAt           time.Time              `firestore:"updated_at"`
}

type receiptDoc struct {
	ReceiptID      string                 `firestore:"receipt_id"`
	EventType      string                 `firestore:"event_type"`
	EventTimestamp time.Time              `firestore:"event_timestamp"`
	AppUserID      string                 `firestore:"app_user_id"`
	UserID         string                 `firestore:"user_id,omitempty"`
	PayloadHash    string                 `firestore:"payload_hash"`
	Status         string                 `firestore:"processed_status"`
	SkippedReason  string                 `firestore:"skipped_reason,omitempty"`
	Snapshot       *entitlements.Snapshot `firestore:"entitlement_snapshot,omitempty"`
	CreatedAt      time.Time              `firestore:"created_at"`
	ProcessedAt    *time.Time             `firestore:"processed_at,omitempty"`
}

type adminReceiptDoc struct {
	AdminID   string                `firestore:"admin_id"`
	UserID    string                `firestore:"user_id"`
	Operation string                `firestore:"operation"`
	Reason    string                `firestore:"reason"`
	Before    entitlements.Snapshot `firestore:"entitlement_before"`
	After     entitlements.Snapshot `firestore:"entitlement_after"`
	CreatedAt time.Time             `firestore:"created_at"`
}

func (s *Storage) profileRef(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.profilesCollection).Doc(userID)
}

// receiptRef keys receipt documents by event id so the document-exists
// constraint enforces at-most-once processing.
func (s *Storage) receiptRef(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.receiptsCollection).Doc(eventID)
}

// GetProfile implements entitlements.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlements.Profile, error) {
	snap, err := s.profileRef(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlements.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profileFromDoc(userID, snap)
}

// FindProfileByAppUserID implements entitlements.Store
func (s *Storage) FindProfileByAppUserID(ctx context.Context, appUserID string) (*entitlements.Profile, error) {
	iter := s.client.Collection(s.profilesCollection).
		Where("revenuecat_app_user_id", "==", appUserID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, entitlements.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	return profileFromDoc(snap.Ref.ID, snap)
}

func profileFromDoc(userID string, snap *firestore.DocumentSnapshot) (*entitlements.Profile, error) {
	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	return &entitlements.Profile{
		ID:                  userID,
		RevenueCatAppUserID: doc.RevenueCatAppUserID,
		Snapshot:            doc.Snapshot,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}, nil
}

// UpsertProfile implements entitlements.Store
func (s *Storage) UpsertProfile(ctx context.Context, profile *entitlements.Profile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("invalid profile")
	}

	_, err := s.profileRef(profile.ID).Set(ctx, profileDoc{
		RevenueCatAppUserID: profile.RevenueCatAppUserID,
		Snapshot:            profile.Snapshot,
		CreatedAt:           profile.CreatedAt,
		UpdatedAt:           profile.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateProfileSnapshot implements entitlements.Store
func (s *Storage) UpdateProfileSnapshot(ctx context.Context, userID string, snap entitlements.Snapshot) error {
	_, err := s.profileRef(userID).Update(ctx, []firestore.Update{
		{Path: "entitlements", Value: snap},
		{Path: "updated_at", Value: snap.UpdatedAt},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitlements.ErrProfileNotFound
		}
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}

// InsertWebhookReceipt implements entitlements.Store.
// Create() fails with AlreadyExists when the event id was seen before; that
// failure is the dedupe signal, not an error.
func (s *Storage) InsertWebhookReceipt(ctx context.Context, rec *entitlements.WebhookReceipt) (bool, error) {
	if rec == nil || rec.ID == "" || rec.EventID == "" {
		return false, fmt.Errorf("invalid receipt")
	}

	_, err := s.receiptRef(rec.EventID).Create(ctx, receiptDoc{
		ReceiptID:      rec.ID,
		EventType:      rec.EventType,
		EventTimestamp: rec.EventTimestamp,
		AppUserID:      rec.AppUserID,
		UserID:         rec.UserID,
		PayloadHash:    rec.PayloadHash,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert receipt: %w", err)
	}
	return true, nil
}

// GetWebhookReceipt implements entitlements.Store
func (s *Storage) GetWebhookReceipt(ctx context.Context, eventID string) (*entitlements.WebhookReceipt, error) {
	snap, err := s.receiptRef(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlements.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	return receiptFromDoc(snap)
}

func receiptFromDoc(snap *firestore.DocumentSnapshot) (*entitlements.WebhookReceipt, error) {
	var doc receiptDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse receipt: %w", err)
	}

	return &entitlements.WebhookReceipt{
		ID:             doc.ReceiptID,
		EventID:        snap.Ref.ID,
		EventType:      doc.EventType,
		EventTimestamp: doc.EventTimestamp,
		AppUserID:      doc.AppUserID,
		UserID:         doc.UserID,
		PayloadHash:    doc.PayloadHash,
		Status:         entitlements.ReceiptStatus(doc.Status),
		SkippedReason:  doc.SkippedReason,
		Snapshot:       doc.Snapshot,
		CreatedAt:      doc.CreatedAt,
		ProcessedAt:    doc.ProcessedAt,
	}, nil
}

// MarkReceiptProcessed implements entitlements.Store
func (s *Storage) MarkReceiptProcessed(
	ctx context.Context, receiptID, userID string, snap entitlements.Snapshot, processedAt time.Time,
) error {
	ref, err := s.receiptRefByID(ctx, receiptID)
	if err != nil {
		return err
	}

	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "processed_status", Value: string(entitlements.ReceiptProcessed)},
		{Path: "user_id", Value: userID},
		{Path: "entitlement_snapshot", Value: snap},
		{Path: "processed_at", Value: processedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to mark receipt processed: %w", err)
	}
	return nil
}

// MarkReceiptSkipped implements entitlements.Store
func (s *Storage) MarkReceiptSkipped(ctx context.Context, receiptID, reason string, processedAt time.Time) error {
	ref, err := s.receiptRefByID(ctx, receiptID)
	if err != nil {
		return err
	}

	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "processed_status", Value: string(entitlements.ReceiptSkipped)},
		{Path: "skipped_reason", Value: reason},
		{Path: "processed_at", Value: processedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to mark receipt skipped: %w", err)
	}
	return nil
}

func (s *Storage) receiptRefByID(ctx context.Context, receiptID string) (*firestore.DocumentRef, error) {
	iter := s.client.Collection(s.receiptsCollection).
		Where("receipt_id", "==", receiptID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, entitlements.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve receipt id: %w", err)
	}
	return snap.Ref, nil
}

// ListWebhookReceipts implements entitlements.Store
func (s *Storage) ListWebhookReceipts(
	ctx context.Context, filter entitlements.ReceiptFilter,
) ([]*entitlements.WebhookReceipt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.receiptsCollection).Query
	if filter.AppUserID != "" {
		query = query.Where("app_user_id", "==", filter.AppUserID)
	}
	if filter.Status != "" {
		query = query.Where("processed_status", "==", string(filter.Status))
	}
	if filter.Unresolved {
		query = query.Where("user_id", "==", "")
	}
	query = query.OrderBy("created_at", firestore.Desc).Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*entitlements.WebhookReceipt
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list receipts: %w", err)
		}
		rec, err := receiptFromDoc(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyAdminOverride implements entitlements.Store. The profile update and
// the ledger append run in one Firestore transaction.
func (s *Storage) ApplyAdminOverride(ctx context.Context, rec *entitlements.AdminReceipt) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid admin receipt")
	}

	profileRef := s.profileRef(rec.UserID)
	ledgerRef := s.client.Collection(s.adminReceiptsCollection).Doc(rec.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(profileRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlements.ErrProfileNotFound
			}
			return err
		}
		if !snap.Exists() {
			return entitlements.ErrProfileNotFound
		}

		if err := tx.Update(profileRef, []firestore.Update{
			{Path: "entitlements", Value: rec.After},
			{Path: "updated_at", Value: rec.After.UpdatedAt},
		}); err != nil {
			return err
		}

		return tx.Create(ledgerRef, adminReceiptDoc{
			AdminID:   rec.AdminID,
			UserID:    rec.UserID,
			Operation: string(rec.Operation),
			Reason:    rec.Reason,
			Before:    rec.Before,
			After:     rec.After,
			CreatedAt: rec.CreatedAt,
		})
	})
	if err == entitlements.ErrProfileNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to apply admin override: %w", err)
	}
	return nil
}

// ListAdminReceipts implements entitlements.Store
func (s *Storage) ListAdminReceipts(ctx context.Context, userID string, limit int) ([]*entitlements.AdminReceipt, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.client.Collection(s.adminReceiptsCollection).
		Where("user_id", "==", userID).
		OrderBy("created_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []*entitlements.AdminReceipt
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list admin receipts: %w", err)
		}

		var doc adminReceiptDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse admin receipt: %w", err)
		}
		out = append(out, &entitlements.AdminReceipt{
			ID:        snap.Ref.ID,
			AdminID:   doc.AdminID,
			UserID:    doc.UserID,
			Operation: entitlements.AdminOperation(doc.Operation),
			Reason:    doc.Reason,
			Before:    doc.Before,
			After:     doc.After,
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, nil
}

// Ping verifies Firestore is reachable with a cheap read
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collections(ctx).Next()
	if err == iterator.Done {
		return nil
	}
	return err
}
