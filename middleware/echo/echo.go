// Package echo provides Echo middleware that gates routes on paid features
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUpgradeRequired func(c echo.Context, info *entitlements.EntitlementInfo) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects requests whose user does
// not hold the required feature. Unknown users get the default feature set,
// so pro-only routes fail closed.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("entitlements/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/echo: Config.GetUserID is required")
	}
	if cfg.Require == nil {
		panic("entitlements/echo: Config.Require is required")
	}

	if cfg.UpgradeRequiredStatusCode == 0 {
		cfg.UpgradeRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			info, err := cfg.Manager.GetFeatures(c.Request().Context(), userID)
			if err != nil {
				if errors.Is(err, entitlements.ErrProfileNotFound) {
					info = &entitlements.EntitlementInfo{Version: entitlements.SnapshotVersion}
				} else {
					if cfg.OnError != nil {
						return cfg.OnError(c, err)
					}
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
			}

			if !cfg.Require(info.Features) {
				if cfg.OnUpgradeRequired != nil {
					return cfg.OnUpgradeRequired(c, info)
				}
				return c.JSON(cfg.UpgradeRequiredStatusCode, map[string]string{"error": "Upgrade required"})
			}

			return next(c)
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
