package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	if conn, err := net.DialTimeout("tcp", emulatorHost, time.Second); err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	} else {
		_ = conn.Close()
	}

	os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// Unique collections per test run keep parallel runs isolated.
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		ProfilesCollection:      "test_profiles_" + suffix,
		ReceiptsCollection:      "test_receipts_" + suffix,
		AdminReceiptsCollection: "test_admin_" + suffix,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return storage
}

func seedTestProfile(t *testing.T, storage *Storage, appUserID string) string {
	t.Helper()

	id := uuid.NewString()
	now := time.Now().UTC()
	err := storage.UpsertProfile(context.Background(), &entitlements.Profile{
		ID:                  id,
		RevenueCatAppUserID: appUserID,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	return id
}

func pendingReceipt(eventID string) *entitlements.WebhookReceipt {
	now := time.Now().UTC()
	return &entitlements.WebhookReceipt{
		ID:             uuid.NewString(),
		EventID:        eventID,
		EventType:      "INITIAL_PURCHASE",
		EventTimestamp: now,
		AppUserID:      "app-user-1",
		PayloadHash:    "deadbeef",
		Status:         entitlements.ReceiptPending,
		CreatedAt:      now,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestStorage_ProfileRoundTrip(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetProfile(ctx, uuid.NewString())
	if !errors.Is(err, entitlements.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	id := seedTestProfile(t, storage, "rc-1")

	profile, err := storage.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.RevenueCatAppUserID != "rc-1" {
		t.Errorf("Unexpected app user id %q", profile.RevenueCatAppUserID)
	}

	found, err := storage.FindProfileByAppUserID(ctx, "rc-1")
	if err != nil {
		t.Fatalf("FindProfileByAppUserID failed: %v", err)
	}
	if found.ID != id {
		t.Errorf("Expected %s, got %s", id, found.ID)
	}
}

func TestStorage_UpdateProfileSnapshot(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	snap := entitlements.Snapshot{
		Version:   entitlements.SnapshotVersion,
		Pro:       true,
		Source:    entitlements.SourceProvider,
		UpdatedAt: time.Now().UTC(),
	}

	err := storage.UpdateProfileSnapshot(ctx, uuid.NewString(), snap)
	if !errors.Is(err, entitlements.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	id := seedTestProfile(t, storage, "rc-snap")
	if err := storage.UpdateProfileSnapshot(ctx, id, snap); err != nil {
		t.Fatalf("UpdateProfileSnapshot failed: %v", err)
	}

	profile, _ := storage.GetProfile(ctx, id)
	if profile.Snapshot == nil || !profile.Snapshot.Pro {
		t.Fatal("Snapshot not persisted")
	}
}

func TestStorage_InsertWebhookReceipt_Dedupe(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	rec := pendingReceipt("evt-1")
	inserted, err := storage.InsertWebhookReceipt(ctx, rec)
	if err != nil {
		t.Fatalf("InsertWebhookReceipt failed: %v", err)
	}
	if !inserted {
		t.Fatal("First insert should report inserted=true")
	}

	// Create() on the same event-id document must fail with AlreadyExists.
	dup := pendingReceipt("evt-1")
	inserted, err = storage.InsertWebhookReceipt(ctx, dup)
	if err != nil {
		t.Fatalf("Duplicate insert errored: %v", err)
	}
	if inserted {
		t.Fatal("Duplicate event id must not insert")
	}

	stored, err := storage.GetWebhookReceipt(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetWebhookReceipt failed: %v", err)
	}
	if stored.ID != rec.ID {
		t.Error("Duplicate insert must not overwrite the original receipt")
	}
}

func TestStorage_MarkReceipt(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	id := seedTestProfile(t, storage, "rc-mark")
	rec := pendingReceipt("evt-mark")
	if _, err := storage.InsertWebhookReceipt(ctx, rec); err != nil {
		t.Fatalf("InsertWebhookReceipt failed: %v", err)
	}

	snap := entitlements.Snapshot{
		Version:   entitlements.SnapshotVersion,
		Pro:       true,
		Source:    entitlements.SourceProvider,
		UpdatedAt: time.Now().UTC(),
		ReceiptID: rec.ID,
	}
	processedAt := time.Now().UTC()

	if err := storage.MarkReceiptProcessed(ctx, rec.ID, id, snap, processedAt); err != nil {
		t.Fatalf("MarkReceiptProcessed failed: %v", err)
	}

	stored, _ := storage.GetWebhookReceipt(ctx, "evt-mark")
	if stored.Status != entitlements.ReceiptProcessed {
		t.Errorf("Expected processed, got %s", stored.Status)
	}
	if stored.UserID != id || stored.Snapshot == nil || stored.ProcessedAt == nil {
		t.Error("Processed receipt fields missing")
	}

	err := storage.MarkReceiptProcessed(ctx, uuid.NewString(), id, snap, processedAt)
	if !errors.Is(err, entitlements.ErrReceiptNotFound) {
		t.Errorf("Expected ErrReceiptNotFound, got %v", err)
	}

	skipped := pendingReceipt("evt-skip")
	if _, err := storage.InsertWebhookReceipt(ctx, skipped); err != nil {
		t.Fatalf("InsertWebhookReceipt failed: %v", err)
	}
	if err := storage.MarkReceiptSkipped(ctx, skipped.ID, "test event", processedAt); err != nil {
		t.Fatalf("MarkReceiptSkipped failed: %v", err)
	}
	stored, _ = storage.GetWebhookReceipt(ctx, "evt-skip")
	if stored.Status != entitlements.ReceiptSkipped || stored.SkippedReason != "test event" {
		t.Errorf("Unexpected skipped receipt: %s / %q", stored.Status, stored.SkippedReason)
	}
}

func TestStorage_ListWebhookReceipts(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	id := seedTestProfile(t, storage, "rc-list")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		rec := pendingReceipt(fmt.Sprintf("evt-list-%d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			rec.UserID = id
		}
		if _, err := storage.InsertWebhookReceipt(ctx, rec); err != nil {
			t.Fatalf("InsertWebhookReceipt failed: %v", err)
		}
	}

	all, err := storage.ListWebhookReceipts(ctx, entitlements.ReceiptFilter{})
	if err != nil {
		t.Fatalf("ListWebhookReceipts failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Expected 4 receipts, got %d", len(all))
	}
	if all[0].EventID != "evt-list-3" {
		t.Errorf("Expected newest first, got %s", all[0].EventID)
	}

	pending, _ := storage.ListWebhookReceipts(ctx, entitlements.ReceiptFilter{Status: entitlements.ReceiptPending})
	if len(pending) != 4 {
		t.Errorf("Expected 4 pending receipts, got %d", len(pending))
	}

	limited, _ := storage.ListWebhookReceipts(ctx, entitlements.ReceiptFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("Expected 2 receipts with limit, got %d", len(limited))
	}
}

func TestStorage_ApplyAdminOverride(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &entitlements.AdminReceipt{
		ID:        uuid.NewString(),
		AdminID:   "ops",
		UserID:    uuid.NewString(),
		Operation: entitlements.OperationSet,
		Reason:    "refund goodwill",
		Before:    entitlements.DefaultSnapshot(),
		After: entitlements.Snapshot{
			Version:   entitlements.SnapshotVersion,
			Pro:       true,
			Source:    entitlements.SourceAdmin,
			UpdatedAt: now,
			Reason:    "refund goodwill",
		},
		CreatedAt: now,
	}

	// The transaction rejects unknown users before writing the ledger doc.
	if err := storage.ApplyAdminOverride(ctx, rec); !errors.Is(err, entitlements.ErrProfileNotFound) {
		t.Fatalf("Expected ErrProfileNotFound, got %v", err)
	}
	if trail, _ := storage.ListAdminReceipts(ctx, rec.UserID, 0); len(trail) != 0 {
		t.Fatal("Failed override must not append to the ledger")
	}

	rec.UserID = seedTestProfile(t, storage, "rc-admin")
	if err := storage.ApplyAdminOverride(ctx, rec); err != nil {
		t.Fatalf("ApplyAdminOverride failed: %v", err)
	}

	profile, _ := storage.GetProfile(ctx, rec.UserID)
	if profile.Snapshot == nil || !profile.Snapshot.Pro {
		t.Error("Override must update the profile snapshot")
	}

	trail, err := storage.ListAdminReceipts(ctx, rec.UserID, 0)
	if err != nil {
		t.Fatalf("ListAdminReceipts failed: %v", err)
	}
	if len(trail) != 1 || trail[0].ID != rec.ID {
		t.Fatalf("Unexpected audit trail: %v", trail)
	}
}

func TestStorage_Ping(t *testing.T) {
	storage := setupTestStorage(t)
	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
