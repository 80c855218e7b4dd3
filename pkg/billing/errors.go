package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPIError is returned when the provider's API returns a non-success response
	ErrProviderAPIError = errors.New("billing provider API error")
)

// APIError reports a non-success HTTP response from a provider's API.
// It matches ErrProviderAPIError via errors.Is.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return ErrProviderAPIError
}
