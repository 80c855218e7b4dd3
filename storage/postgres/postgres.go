// Package postgres provides a PostgreSQL implementation of the entitlements.Store
// interface. Webhook idempotency rides on the UNIQUE constraint over event_id;
// admin overrides run the profile write and the ledger append in one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Storage implements entitlements.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetProfile implements entitlements.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlements.Profile, error) {
	return s.queryProfile(ctx,
		`SELECT id, revenuecat_app_user_id, entitlements, created_at, updated_at
			FROM profiles WHERE id = $1`, userID)
}

// FindProfileByAppUserID implements entitlements.Store
func (s *Storage) FindProfileByAppUserID(ctx context.Context, appUserID string) (*entitlements.Profile, error) {
	return s.queryProfile(ctx,
		`SELECT id, revenuecat_app_user_id, entitlements, created_at, updated_at
			FROM profiles WHERE revenuecat_app_user_id = $1`, appUserID)
}

func (s *Storage) queryProfile(ctx context.Context, query, arg string) (*entitlements.Profile, error) {
	var profile entitlements.Profile
	var appUserID *string
	var snapJSON []byte

	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&profile.ID,
		&appUserID,
		&snapJSON,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, entitlements.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if appUserID != nil {
		profile.RevenueCatAppUserID = *appUserID
	}
	if len(snapJSON) > 0 {
		var snap entitlements.Snapshot
		if err := json.Unmarshal(snapJSON, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
		profile.Snapshot = &snap
	}

	return &profile, nil
}

// UpsertProfile implements entitlements.Store
func (s *Storage) UpsertProfile(ctx context.Context, profile *entitlements.Profile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("invalid profile")
	}

	snapJSON, err := marshalSnapshot(profile.Snapshot)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO profiles (id, revenuecat_app_user_id, entitlements, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				revenuecat_app_user_id = EXCLUDED.revenuecat_app_user_id,
				entitlements = EXCLUDED.entitlements,
				updated_at = EXCLUDED.updated_at`,
		profile.ID, profile.RevenueCatAppUserID, snapJSON,
		profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateProfileSnapshot implements entitlements.Store
func (s *Storage) UpdateProfileSnapshot(ctx context.Context, userID string, snap entitlements.Snapshot) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET entitlements = $1, updated_at = $2 WHERE id = $3`,
		string(snapJSON), snap.UpdatedAt, userID)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlements.ErrProfileNotFound
	}
	return nil
}

// InsertWebhookReceipt implements entitlements.Store.
// ON CONFLICT DO NOTHING on the event_id unique index makes concurrent
// deliveries of the same event race safely: exactly one insert wins.
func (s *Storage) InsertWebhookReceipt(ctx context.Context, rec *entitlements.WebhookReceipt) (bool, error) {
	if rec == nil || rec.ID == "" || rec.EventID == "" {
		return false, fmt.Errorf("invalid receipt")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_receipts
			(id, event_id, event_type, event_timestamp, app_user_id, user_id,
			 payload_hash, processed_status, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
			ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, rec.EventType, rec.EventTimestamp, rec.AppUserID,
		rec.UserID, rec.PayloadHash, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert receipt: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetWebhookReceipt implements entitlements.Store
func (s *Storage) GetWebhookReceipt(ctx context.Context, eventID string) (*entitlements.WebhookReceipt, error) {
	rows, err := s.pool.Query(ctx,
		receiptSelect+` WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		return nil, entitlements.ErrReceiptNotFound
	}

	return scanReceipt(rows)
}

const receiptSelect = `SELECT id, event_id, event_type, event_timestamp, app_user_id, user_id,
	payload_hash, processed_status, skipped_reason, entitlement_snapshot, created_at, processed_at
	FROM webhook_receipts`

func scanReceipt(row pgx.Row) (*entitlements.WebhookReceipt, error) {
	var rec entitlements.WebhookReceipt
	var userID, skippedReason *string
	var snapJSON []byte
	var status string

	err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.EventType,
		&rec.EventTimestamp,
		&rec.AppUserID,
		&userID,
		&rec.PayloadHash,
		&status,
		&skippedReason,
		&snapJSON,
		&rec.CreatedAt,
		&rec.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}

	rec.Status = entitlements.ReceiptStatus(status)
	if userID != nil {
		rec.UserID = *userID
	}
	if skippedReason != nil {
		rec.SkippedReason = *skippedReason
	}
	if len(snapJSON) > 0 {
		var snap entitlements.Snapshot
		if err := json.Unmarshal(snapJSON, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse receipt snapshot: %w", err)
		}
		rec.Snapshot = &snap
	}

	return &rec, nil
}

// MarkReceiptProcessed implements entitlements.Store
func (s *Storage) MarkReceiptProcessed(
	ctx context.Context, receiptID, userID string, snap entitlements.Snapshot, processedAt time.Time,
) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_receipts
			SET processed_status = $1, user_id = NULLIF($2, ''),
				entitlement_snapshot = $3, processed_at = $4
			WHERE id = $5`,
		string(entitlements.ReceiptProcessed), userID, string(snapJSON), processedAt, receiptID)
	if err != nil {
		return fmt.Errorf("failed to mark receipt processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlements.ErrReceiptNotFound
	}
	return nil
}

// MarkReceiptSkipped implements entitlements.Store
func (s *Storage) MarkReceiptSkipped(ctx context.Context, receiptID, reason string, processedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_receipts
			SET processed_status = $1, skipped_reason = $2, processed_at = $3
			WHERE id = $4`,
		string(entitlements.ReceiptSkipped), reason, processedAt, receiptID)
	if err != nil {
		return fmt.Errorf("failed to mark receipt skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlements.ErrReceiptNotFound
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

	query := receiptSelect + ` WHERE 1=1`
	args := []interface{}{}

	if filter.AppUserID != "" {
		args = append(args, filter.AppUserID)
		query += fmt.Sprintf(` AND app_user_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND processed_status = $%d`, len(args))
	}
	if filter.Unresolved {
		query += ` AND user_id IS NULL`
	}

	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.WebhookReceipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	return out, nil
}

// ApplyAdminOverride implements entitlements.Store. The profile update and
// the admin ledger insert commit together or not at all.
func (s *Storage) ApplyAdminOverride(ctx context.Context, rec *entitlements.AdminReceipt) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid admin receipt")
	}

	afterJSON, err := json.Marshal(rec.After)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	beforeJSON, err := json.Marshal(rec.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE profiles SET entitlements = $1, updated_at = $2 WHERE id = $3`,
		string(afterJSON), rec.After.UpdatedAt, rec.UserID)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlements.ErrProfileNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO admin_receipts
			(id, admin_id, user_id, operation, reason, entitlement_before, entitlement_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.AdminID, rec.UserID, string(rec.Operation), rec.Reason,
		string(beforeJSON), string(afterJSON), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert admin receipt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListAdminReceipts implements entitlements.Store
func (s *Storage) ListAdminReceipts(ctx context.Context, userID string, limit int) ([]*entitlements.AdminReceipt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, admin_id, user_id, operation, reason,
				entitlement_before, entitlement_after, created_at
			FROM admin_receipts
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin receipts: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.AdminReceipt
	for rows.Next() {
		var rec entitlements.AdminReceipt
		var operation string
		var beforeJSON, afterJSON []byte

		if err := rows.Scan(
			&rec.ID, &rec.AdminID, &rec.UserID, &operation, &rec.Reason,
			&beforeJSON, &afterJSON, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan admin receipt: %w", err)
		}

		rec.Operation = entitlements.AdminOperation(operation)
		if err := json.Unmarshal(beforeJSON, &rec.Before); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
		if err := json.Unmarshal(afterJSON, &rec.After); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list admin receipts: %w", err)
	}
	return out, nil
}

func marshalSnapshot(snap *entitlements.Snapshot) (interface{}, error) {
	if snap == nil {
		return nil, nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return string(b), nil
}
