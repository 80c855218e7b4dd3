// Package http provides HTTP middleware that gates routes on paid features
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

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

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Require is the feature check the request must pass (required)
	Require FeatureCheck

	// UpgradeRequiredStatusCode is returned when the feature check fails
	// Default: 402 (Payment Required)
	UpgradeRequiredStatusCode int

	// OnUpgradeRequired is called when the feature check fails
	// If nil, returns UpgradeRequiredStatusCode with a JSON body
	OnUpgradeRequired func(w http.ResponseWriter, r *http.Request, info *entitlements.EntitlementInfo)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that rejects requests whose user does
// not hold the required feature. Unknown users get the default feature set,
// so pro-only routes fail closed.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.UpgradeRequiredStatusCode == 0 {
		config.UpgradeRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			info, err := config.Manager.GetFeatures(r.Context(), userID)
			if err != nil {
				if errors.Is(err, entitlements.ErrProfileNotFound) {
					info = &entitlements.EntitlementInfo{Version: entitlements.SnapshotVersion}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
			}

			if !config.Require(info.Features) {
				if config.OnUpgradeRequired != nil {
					config.OnUpgradeRequired(w, r, info)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(config.UpgradeRequiredStatusCode)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "Upgrade required"})
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that gets user ID from request context values
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if val := r.Context().Value(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
