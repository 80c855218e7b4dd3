package entitlements

import "time"

// DeriveFeatures maps an entitlement snapshot to the feature-flag set at a
// given instant. Expiry is enforced here, at read time: a snapshot with
// pro=true and ExpiresAt in the past derives to all-false. A snapshot with
// no ExpiresAt is a lifetime grant.
//
// All four flags currently follow the single pro bit; the signature supports
// per-feature differentiation later without changing the contract.
func DeriveFeatures(snap Snapshot, now time.Time) Features {
	pro := snap.Pro && (snap.ExpiresAt == nil || snap.ExpiresAt.After(now))
	return Features{
		Reports: pro,
		VIN:     pro,
		Photos:  pro,
		AI:      pro,
	}
}
