package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kerbwatch/entitlements/pkg/api/internal"
	"github.com/kerbwatch/entitlements/pkg/entitlements"
)

// webhookAuth gates the webhook endpoint on the shared Bearer secret.
// An empty configured secret disables the check with a warning; the provider
// dashboard may not have a secret set yet in development.
func (h *Handler) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.WebhookSecret == "" {
			h.logger().Warn("webhook auth disabled: no secret configured")
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.WebhookSecret)) != 1 {
			h.logger().Warn("webhook auth failed",
				entitlements.Field{Key: "remote", Value: internal.ClientIP(r)})
			writeError(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// adminAuth gates admin endpoints on the X-Admin-Key header. Admin access is
// off unless explicitly enabled; a wrong key and a disabled surface are
// reported differently so operators can tell misconfiguration from intrusion.
func (h *Handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.config.AdminEnabled {
			writeError(w, http.StatusForbidden, codeAdminDisabled)
			return
		}

		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.config.AdminKey)) != 1 {
			h.logger().Warn("admin auth failed",
				entitlements.Field{Key: "remote", Value: internal.ClientIP(r)})
			writeError(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
