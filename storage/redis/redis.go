// Package redis provides a Redis implementation of the entitlements.Store
// interface. Webhook idempotency uses SET NX on the event id key; the admin
// override runs as a Lua script so the profile write and the ledger append
// are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Storage implements entitlements.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlements:")
	KeyPrefix string

	// ReceiptTTL is the TTL for webhook receipt keys (0 = no expiration).
	// Receipts are the idempotency record; expiring them re-opens the
	// dedupe window, so leave this at 0 unless retention requires it.
	ReceiptTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "entitlements:",
		ReceiptTTL: 0,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitlements:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Apply admin override atomically: replace the profile and append the
	// ledger entry, or do neither.
	s.scripts["adminOverride"] = redis.NewScript(`
		local profileKey = KEYS[1]
		local ledgerKey = KEYS[2]
		local profileData = ARGV[1]
		local receiptData = ARGV[2]

		local exists = redis.call('EXISTS', profileKey)
		if exists == 0 then
			return 'not_found'
		end

		redis.call('SET', profileKey, profileData)
		redis.call('LPUSH', ledgerKey, receiptData)

		return 'ok'
	`)
}

func (s *Storage) profileKey(userID string) string {
	return s.config.KeyPrefix + "profile:" + userID
}

func (s *Storage) appUserKey(appUserID string) string {
	return s.config.KeyPrefix + "appuser:" + appUserID
}

func (s *Storage) receiptKey(eventID string) string {
	return s.config.KeyPrefix + "receipt:" + eventID
}

func (s *Storage) receiptIDKey(receiptID string) string {
	return s.config.KeyPrefix + "receiptid:" + receiptID
}

func (s *Storage) receiptIndexKey() string {
	return s.config.KeyPrefix + "receipts"
}

func (s *Storage) adminLedgerKey(userID string) string {
	return s.config.KeyPrefix + "admin:" + userID
}

// GetProfile implements entitlements.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlements.Profile, error) {
	data, err := s.client.Get(ctx, s.profileKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, entitlements.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var profile entitlements.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &profile, nil
}

// FindProfileByAppUserID implements entitlements.Store
func (s *Storage) FindProfileByAppUserID(ctx context.Context, appUserID string) (*entitlements.Profile, error) {
	userID, err := s.client.Get(ctx, s.appUserKey(appUserID)).Result()
	if err == redis.Nil {
		return nil, entitlements.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve app user id: %w", err)
	}
	return s.GetProfile(ctx, userID)
}

// UpsertProfile implements entitlements.Store
func (s *Storage) UpsertProfile(ctx context.Context, profile *entitlements.Profile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("invalid profile")
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.profileKey(profile.ID), data, 0)
	if profile.RevenueCatAppUserID != "" {
		pipe.Set(ctx, s.appUserKey(profile.RevenueCatAppUserID), profile.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateProfileSnapshot implements entitlements.Store
func (s *Storage) UpdateProfileSnapshot(ctx context.Context, userID string, snap entitlements.Snapshot) error {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	snapCopy := snap
	profile.Snapshot = &snapCopy
	profile.UpdatedAt = snap.UpdatedAt

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, s.profileKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}

// InsertWebhookReceipt implements entitlements.Store.
// SET NX on the event id key makes concurrent deliveries of the same event
// race safely: exactly one insert wins.
func (s *Storage) InsertWebhookReceipt(ctx context.Context, rec *entitlements.WebhookReceipt) (bool, error) {
	if rec == nil || rec.ID == "" || rec.EventID == "" {
		return false, fmt.Errorf("invalid receipt")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal receipt: %w", err)
	}

	inserted, err := s.client.SetNX(ctx, s.receiptKey(rec.EventID), data, s.config.ReceiptTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to insert receipt: %w", err)
	}
	if !inserted {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.receiptIDKey(rec.ID), rec.EventID, s.config.ReceiptTTL)
	pipe.ZAdd(ctx, s.receiptIndexKey(), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.EventID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to index receipt: %w", err)
	}
	return true, nil
}

// GetWebhookReceipt implements entitlements.Store
func (s *Storage) GetWebhookReceipt(ctx context.Context, eventID string) (*entitlements.WebhookReceipt, error) {
	data, err := s.client.Get(ctx, s.receiptKey(eventID)).Bytes()
	if err == redis.Nil {
		return nil, entitlements.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	var rec entitlements.WebhookReceipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse receipt: %w", err)
	}
	return &rec, nil
}

// MarkReceiptProcessed implements entitlements.Store
func (s *Storage) MarkReceiptProcessed(
	ctx context.Context, receiptID, userID string, snap entitlements.Snapshot, processedAt time.Time,
) error {
	return s.updateReceipt(ctx, receiptID, func(rec *entitlements.WebhookReceipt) {
		snapCopy := snap
		rec.Status = entitlements.ReceiptProcessed
		rec.UserID = userID
		rec.Snapshot = &snapCopy
		rec.ProcessedAt = &processedAt
	})
}

// MarkReceiptSkipped implements entitlements.Store
func (s *Storage) MarkReceiptSkipped(ctx context.Context, receiptID, reason string, processedAt time.Time) error {
	return s.updateReceipt(ctx, receiptID, func(rec *entitlements.WebhookReceipt) {
		rec.Status = entitlements.ReceiptSkipped
		rec.SkippedReason = reason
		rec.ProcessedAt = &processedAt
	})
}

func (s *Storage) updateReceipt(ctx context.Context, receiptID string, mutate func(*entitlements.WebhookReceipt)) error {
	eventID, err := s.client.Get(ctx, s.receiptIDKey(receiptID)).Result()
	if err == redis.Nil {
		return entitlements.ErrReceiptNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve receipt id: %w", err)
	}

	rec, err := s.GetWebhookReceipt(ctx, eventID)
	if err != nil {
		return err
	}

	mutate(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, s.receiptKey(eventID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update receipt: %w", err)
	}
	return nil
}

// ListWebhookReceipts implements entitlements.Store
func (s *Storage) ListWebhookReceipts(
	ctx context.Context, filter entitlements.ReceiptFilter,
) ([]*entitlements.WebhookReceipt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	// Newest first from the creation-time index; filters are applied in
	// memory, so over-fetch when any filter is set.
	fetch := int64(limit)
	if filter.AppUserID != "" || filter.Status != "" || filter.Unresolved {
		fetch = -1 // full scan of the index
	}

	eventIDs, err := s.client.ZRevRange(ctx, s.receiptIndexKey(), 0, fetch).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}

	out := make([]*entitlements.WebhookReceipt, 0, limit)
	for _, eventID := range eventIDs {
		if len(out) >= limit {
			break
		}
		rec, err := s.GetWebhookReceipt(ctx, eventID)
		if err == entitlements.ErrReceiptNotFound {
			continue // receipt key expired out from under the index
		}
		if err != nil {
			return nil, err
		}
		if filter.AppUserID != "" && rec.AppUserID != filter.AppUserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Unresolved && rec.UserID != "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyAdminOverride implements entitlements.Store
func (s *Storage) ApplyAdminOverride(ctx context.Context, rec *entitlements.AdminReceipt) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid admin receipt")
	}

	profile, err := s.GetProfile(ctx, rec.UserID)
	if err != nil {
		return err
	}

	after := rec.After
	profile.Snapshot = &after
	profile.UpdatedAt = after.UpdatedAt

	profileData, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal admin receipt: %w", err)
	}

	res, err := s.scripts["adminOverride"].Run(ctx, s.client,
		[]string{s.profileKey(rec.UserID), s.adminLedgerKey(rec.UserID)},
		string(profileData), string(recData)).Result()
	if err != nil {
		return fmt.Errorf("failed to apply admin override: %w", err)
	}
	if res == "not_found" {
		return entitlements.ErrProfileNotFound
	}
	return nil
}

// ListAdminReceipts implements entitlements.Store
func (s *Storage) ListAdminReceipts(ctx context.Context, userID string, limit int) ([]*entitlements.AdminReceipt, error) {
	if limit <= 0 {
		limit = 100
	}

	items, err := s.client.LRange(ctx, s.adminLedgerKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list admin receipts: %w", err)
	}

	out := make([]*entitlements.AdminReceipt, 0, len(items))
	for _, item := range items {
		var rec entitlements.AdminReceipt
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse admin receipt: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
