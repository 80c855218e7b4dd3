// Package gin provides Gin middleware that gates routes on paid features
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// FeatureCheck reports whether the derived feature set satisfies the route's
// requirement. Use the package-level checks (Reports, VIN, Photos, AI) or
// compose your own.
type FeatureCheck func(f entitlements.Features) bool

// Built-in feature checks

func Reports(f entitlements.Features) bool { return f.Reports }
func VIN(f entitlements.Features) bool     { return f.VIN }
func Photos(f entitlements.Features) bool  { return f.Photos }
func AI(f entitlements.Features) bool      { return f.AI }

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *entitlements.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Require is the feature check the request must pass (required)
	Require FeatureCheck

	// UpgradeRequiredStatusCode is returned when the feature check fails
	// Default: 402 (Payment Required)
	UpgradeRequiredStatusCode int

	// OnUpgradeRequired is called when the feature check fails
	// If nil, returns UpgradeRequiredStatusCode with a JSON body
	OnUpgradeRequired func(c *gongin.Context, info *entitlements.EntitlementInfo)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that rejects requests whose user does
// not hold the required feature. Unknown users get the default feature set,
// so pro-only routes fail closed.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("entitlements/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/gin: Config.GetUserID is required")
	}
	if cfg.Require == nil {
		panic("entitlements/gin: Config.Require is required")
	}

	if cfg.UpgradeRequiredStatusCode == 0 {
		cfg.UpgradeRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		info, err := cfg.Manager.GetFeatures(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, entitlements.ErrProfileNotFound) {
				info = &entitlements.EntitlementInfo{Version: entitlements.SnapshotVersion}
			} else {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
				}
				c.Abort()
				return
			}
		}

		if !cfg.Require(info.Features) {
			if cfg.OnUpgradeRequired != nil {
				cfg.OnUpgradeRequired(c, info)
			} else {
				c.JSON(cfg.UpgradeRequiredStatusCode, gongin.H{"error": "Upgrade required"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
