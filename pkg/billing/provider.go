package billing

import (
	"context"
	"time"
)

// ProEntitlementID is the named entitlement that grants paid access.
const ProEntitlementID = "pro"

// Provider is the generic interface any subscription backend must implement.
// The reconciler treats the provider as the single source of truth: webhook
// payloads only trigger a fetch, they are never trusted as state.
type Provider interface {
	// Name returns the provider name (e.g. "revenuecat", "stripe").
	Name() string

	// GetSubscriber fetches the provider's authoritative current state for
	// an app user id. Implementations running without credentials return a
	// neutral subscriber (no entitlements) instead of failing; non-success
	// API responses surface as *APIError.
	GetSubscriber(ctx context.Context, appUserID string) (*Subscriber, error)
}

// Subscriber is the normalized view of a provider's subscriber state.
type Subscriber struct {
	AppUserID    string
	Entitlements map[string]Entitlement
}

// Entitlement is one entry in a subscriber's entitlement map.
type Entitlement struct {
	IsActive          bool
	ExpiresAt         *time.Time
	ProductIdentifier string
}

// Status is the pro/not-pro judgment derived from a subscriber.
type Status struct {
	IsPro     bool
	ExpiresAt *time.Time
}

// ProStatus interprets already-fetched subscriber state: it looks up the
// "pro" entitlement and reports whether it is active and when it expires.
// Pure function, no I/O.
func ProStatus(sub *Subscriber) Status {
	if sub == nil {
		return Status{}
	}
	ent, ok := sub.Entitlements[ProEntitlementID]
	if !ok || !ent.IsActive {
		return Status{}
	}
	return Status{IsPro: true, ExpiresAt: ent.ExpiresAt}
}
