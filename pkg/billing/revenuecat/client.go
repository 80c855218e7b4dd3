// Package revenuecat implements the billing.Provider interface against the
// RevenueCat REST API. The subscriber endpoint is the canonical source of
// truth for a user's entitlements.
package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kerbwatch/entitlements/pkg/billing"
)

const (
	providerName       = "revenuecat"
	defaultBaseURL     = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout = 10 * time.Second
)

// Config holds RevenueCat client configuration
type Config struct {
	// APIKey authenticates outbound calls to the subscriber endpoint.
	// Required unless Offline is set.
	APIKey string

	// Offline enables development mode: no API calls are made and every
	// subscriber comes back neutral (no entitlements). This replaces the
	// implicit missing-credentials fallback with an explicit, testable mode.
	Offline bool

	// BaseURL overrides the API base URL (tests, proxies).
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

// Client implements billing.Provider for RevenueCat
type Client struct {
	config     Config
	httpClient *http.Client
	apiKey     string
	baseURL    string

	// group collapses concurrent fetches for the same app user id; the
	// reconciler may see bursts of events for one user and every fetch
	// returns the same canonical state anyway.
	group singleflight.Group
}

// NewClient creates a new RevenueCat client
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	// Allow the API key to be provided as a Bearer token and strip the prefix.
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}

	if !config.Offline && apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// GetSubscriber fetches the canonical subscriber state for an app user id.
// In Offline mode it returns a neutral subscriber without touching the API.
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*billing.Subscriber, error) {
	if c.config.Offline {
		return &billing.Subscriber{
			AppUserID:    appUserID,
			Entitlements: map[string]billing.Entitlement{},
		}, nil
	}

	v, err, _ := c.group.Do(appUserID, func() (interface{}, error) {
		return c.fetchSubscriber(ctx, appUserID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*billing.Subscriber), nil
}

// subscriberResponse mirrors the RevenueCat subscriber endpoint payload
type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]subscriberEntitlement `json:"entitlements"`
	} `json:"subscriber"`
}

type subscriberEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

func (c *Client) fetchSubscriber(ctx context.Context, appUserID string) (*billing.Subscriber, error) {
	endpoint := fmt.Sprintf("%s/subscribers/%s", c.baseURL, url.PathEscape(appUserID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &billing.APIError{
			Provider:   providerName,
			StatusCode: res.StatusCode,
			Body:       string(body),
		}
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return normalizeSubscriber(appUserID, &payload), nil
}

// normalizeSubscriber maps the raw API shape to the provider-neutral one.
// An entitlement is active when it has no expiry or its expiry is in the
// future at fetch time; expiry is re-checked at read time by the deriver.
func normalizeSubscriber(appUserID string, payload *subscriberResponse) *billing.Subscriber {
	now := time.Now()
	ents := make(map[string]billing.Entitlement, len(payload.Subscriber.Entitlements))

	for id, raw := range payload.Subscriber.Entitlements {
		ent := billing.Entitlement{
			ProductIdentifier: strings.TrimSpace(raw.ProductIdentifier),
		}
		if raw.ExpiresDate != nil && strings.TrimSpace(*raw.ExpiresDate) != "" {
			if t, err := parseTime(*raw.ExpiresDate); err == nil {
				ent.ExpiresAt = &t
			}
		}
		ent.IsActive = ent.ExpiresAt == nil || ent.ExpiresAt.After(now)
		ents[id] = ent
	}

	return &billing.Subscriber{AppUserID: appUserID, Entitlements: ents}
}

// parseTime parses a RevenueCat timestamp string
func parseTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// RevenueCat often uses RFC3339Nano
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
