// Package memory provides an in-memory implementation of the entitlements.Store
// interface. This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// Storage implements entitlements.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	profiles      map[string]*entitlements.Profile        // keyed by profile id
	appUserIndex  map[string]string                       // app user id -> profile id
	receipts      map[string]*entitlements.WebhookReceipt // keyed by event id
	receiptsByID  map[string]string                       // receipt id -> event id
	adminReceipts map[string][]*entitlements.AdminReceipt // keyed by user id, newest last
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:      make(map[string]*entitlements.Profile),
		appUserIndex:  make(map[string]string),
		receipts:      make(map[string]*entitlements.WebhookReceipt),
		receiptsByID:  make(map[string]string),
		adminReceipts: make(map[string][]*entitlements.AdminReceipt),
	}
}

// GetProfile implements entitlements.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlements.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, entitlements.ErrProfileNotFound
	}

	return copyProfile(profile), nil
}

// FindProfileByAppUserID implements entitlements.Store
func (s *Storage) FindProfileByAppUserID(ctx context.Context, appUserID string) (*entitlements.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.appUserIndex[appUserID]
	if !ok {
		return nil, entitlements.ErrProfileNotFound
	}

	return copyProfile(s.profiles[id]), nil
}

// UpsertProfile implements entitlements.Store
func (s *Storage) UpsertProfile(ctx context.Context, profile *entitlements.Profile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("invalid profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[profile.ID]; ok && existing.RevenueCatAppUserID != "" {
		delete(s.appUserIndex, existing.RevenueCatAppUserID)
	}

	s.profiles[profile.ID] = copyProfile(profile)
	if profile.RevenueCatAppUserID != "" {
		s.appUserIndex[profile.RevenueCatAppUserID] = profile.ID
	}
	return nil
}

// UpdateProfileSnapshot implements entitlements.Store
func (s *Storage) UpdateProfileSnapshot(ctx context.Context, userID string, snap entitlements.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return entitlements.ErrProfileNotFound
	}

	snapCopy := snap
	profile.Snapshot = &snapCopy
	profile.UpdatedAt = snap.UpdatedAt
	return nil
}

// InsertWebhookReceipt implements entitlements.Store
func (s *Storage) InsertWebhookReceipt(ctx context.Context, rec *entitlements.WebhookReceipt) (bool, error) {
	if rec == nil || rec.ID == "" || rec.EventID == "" {
		return false, fmt.Errorf("invalid receipt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receipts[rec.EventID]; exists {
		return false, nil
	}

	s.receipts[rec.EventID] = copyReceipt(rec)
	s.receiptsByID[rec.ID] = rec.EventID
	return true, nil
}

// GetWebhookReceipt implements entitlements.Store
func (s *Storage) GetWebhookReceipt(ctx context.Context, eventID string) (*entitlements.WebhookReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.receipts[eventID]
	if !ok {
		return nil, entitlements.ErrReceiptNotFound
	}

	return copyReceipt(rec), nil
}

// MarkReceiptProcessed implements entitlements.Store
func (s *Storage) MarkReceiptProcessed(ctx context.Context, receiptID, userID string, snap entitlements.Snapshot, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.receiptByID(receiptID)
	if err != nil {
		return err
	}

	snapCopy := snap
	rec.Status = entitlements.ReceiptProcessed
	rec.UserID = userID
	rec.Snapshot = &snapCopy
	rec.ProcessedAt = &processedAt
	return nil
}

// MarkReceiptSkipped implements entitlements.Store
func (s *Storage) MarkReceiptSkipped(ctx context.Context, receiptID, reason string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.receiptByID(receiptID)
	if err != nil {
		return err
	}

	rec.Status = entitlements.ReceiptSkipped
	rec.SkippedReason = reason
	rec.ProcessedAt = &processedAt
	return nil
}

// ListWebhookReceipts implements entitlements.Store
func (s *Storage) ListWebhookReceipts(ctx context.Context, filter entitlements.ReceiptFilter) ([]*entitlements.WebhookReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*entitlements.WebhookReceipt
	for _, rec := range s.receipts {
		if filter.AppUserID != "" && rec.AppUserID != filter.AppUserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Unresolved && strings.TrimSpace(rec.UserID) != "" {
			continue
		}
		out = append(out, copyReceipt(rec))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyAdminOverride implements entitlements.Store. The in-memory version is
// trivially atomic under the single mutex.
func (s *Storage) ApplyAdminOverride(ctx context.Context, rec *entitlements.AdminReceipt) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid admin receipt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[rec.UserID]
	if !ok {
		return entitlements.ErrProfileNotFound
	}

	after := rec.After
	profile.Snapshot = &after
	profile.UpdatedAt = after.UpdatedAt

	recCopy := *rec
	s.adminReceipts[rec.UserID] = append(s.adminReceipts[rec.UserID], &recCopy)
	return nil
}

// ListAdminReceipts implements entitlements.Store
func (s *Storage) ListAdminReceipts(ctx context.Context, userID string, limit int) ([]*entitlements.AdminReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	recs := s.adminReceipts[userID]
	out := make([]*entitlements.AdminReceipt, 0, len(recs))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		recCopy := *recs[i]
		out = append(out, &recCopy)
	}
	return out, nil
}

// Ping implements entitlements.Store
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*entitlements.Profile)
	s.appUserIndex = make(map[string]string)
	s.receipts = make(map[string]*entitlements.WebhookReceipt)
	s.receiptsByID = make(map[string]string)
	s.adminReceipts = make(map[string][]*entitlements.AdminReceipt)
}

// receiptByID resolves a receipt by its primary id; callers hold the lock.
func (s *Storage) receiptByID(receiptID string) (*entitlements.WebhookReceipt, error) {
	eventID, ok := s.receiptsByID[receiptID]
	if !ok {
		return nil, entitlements.ErrReceiptNotFound
	}
	return s.receipts[eventID], nil
}

// copyProfile returns a deep copy to prevent external mutations
func copyProfile(p *entitlements.Profile) *entitlements.Profile {
	pCopy := *p
	if p.Snapshot != nil {
		snapCopy := *p.Snapshot
		pCopy.Snapshot = &snapCopy
	}
	return &pCopy
}

// copyReceipt returns a deep copy to prevent external mutations
func copyReceipt(r *entitlements.WebhookReceipt) *entitlements.WebhookReceipt {
	rCopy := *r
	if r.Snapshot != nil {
		snapCopy := *r.Snapshot
		rCopy.Snapshot = &snapCopy
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		rCopy.ProcessedAt = &t
	}
	return &rCopy
}
