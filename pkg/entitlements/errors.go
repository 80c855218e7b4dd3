package entitlements

import "errors"

var (
	// ErrInvalidEvent is returned when a webhook event is missing required fields
	ErrInvalidEvent = errors.New("invalid webhook event")

	// ErrInvalidRequest is returned when an admin request fails validation
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProfileNotFound is returned when no profile exists for a user id
	ErrProfileNotFound = errors.New("profile not found")

	// ErrReceiptNotFound is returned when no webhook receipt exists for an event id
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrStoreUnavailable is returned when the store is unavailable
	ErrStoreUnavailable = errors.New("store unavailable")
)
