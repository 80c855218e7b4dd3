package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

const (
	defaultAdminID         = "service-key"
	defaultRateLimit       = 100
	defaultRateLimitWindow = time.Minute
	defaultMaxBodyBytes    = 256 * 1024
)

// Config holds configuration for the entitlements API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlements.Manager

	// GetUserID extracts the authenticated user ID from an HTTP request
	// (required). Webhook and admin endpoints do not use it.
	GetUserID func(*http.Request) string

	// WebhookSecret is the shared secret the billing provider presents as a
	// Bearer token. Empty disables webhook auth with a logged warning; only
	// acceptable in development.
	WebhookSecret string

	// AdminEnabled gates the admin endpoints. When false they return 403
	// regardless of credentials.
	AdminEnabled bool

	// AdminKey is the shared secret for the X-Admin-Key header. Required
	// when AdminEnabled is true.
	AdminKey string

	// AdminID is recorded as the actor on admin receipts (default: "service-key").
	AdminID string

	// RateLimit caps webhook requests per client IP per window (default: 100).
	RateLimit int

	// RateLimitWindow is the rate limit window (default: 1m).
	RateLimitWindow time.Duration

	// MaxBodyBytes caps the webhook request body size (default: 256KB).
	MaxBodyBytes int64

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlements.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.AdminEnabled && c.AdminKey == "" {
		return fmt.Errorf("admin key is required when admin endpoints are enabled")
	}
	return nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
