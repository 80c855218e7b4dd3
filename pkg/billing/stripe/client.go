// Package stripe implements the billing.Provider interface against Stripe.
// Customers are resolved by app user id metadata; active subscriptions on
// mapped prices grant the pro entitlement.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kerbwatch/entitlements/pkg/billing"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	subscriptionStatusActive = "active"
	metadataUserIDKey        = "app_user_id"
)

// Config holds Stripe client configuration
type Config struct {
	// APIKey is the Stripe secret key. Required unless Offline is set.
	APIKey string

	// Offline enables development mode: no API calls, neutral subscribers.
	Offline bool

	// ProPriceIDs lists the Stripe price ids that grant the pro entitlement.
	ProPriceIDs []string

	// CustomerIDResolver optionally maps an app user id to a Stripe customer
	// id directly. If nil, the client falls back to the slower Search API
	// over customer metadata.
	CustomerIDResolver func(context.Context, string) (string, error)

	// HTTPClient is an optional HTTP client for API calls.
	HTTPClient *http.Client
}

// Client implements billing.Provider for Stripe
type Client struct {
	config       Config
	stripeClient *stripe.Client
	proPrices    map[string]bool
}

// NewClient creates a new Stripe client
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if !config.Offline && apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	proPrices := make(map[string]bool, len(config.ProPriceIDs))
	for _, id := range config.ProPriceIDs {
		proPrices[strings.TrimSpace(id)] = true
	}

	c := &Client{
		config:    config,
		proPrices: proPrices,
	}
	if !config.Offline {
		c.stripeClient = stripe.NewClient(apiKey)
	}
	return c, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// GetSubscriber fetches the customer's active subscriptions and maps them to
// the normalized subscriber shape. Unknown customers come back neutral.
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*billing.Subscriber, error) {
	if c.config.Offline {
		return neutralSubscriber(appUserID), nil
	}

	customerID, err := c.resolveCustomerID(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		// No Stripe customer yet; treat as never-purchased rather than failing.
		return neutralSubscriber(appUserID), nil
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	var subscriptions []*stripe.Subscription
	for sub, err := range c.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if sub.Status == subscriptionStatusActive {
			subscriptions = append(subscriptions, sub)
		}
	}

	return subscriberFromSubscriptions(appUserID, subscriptions, c.proPrices), nil
}

func (c *Client) resolveCustomerID(ctx context.Context, appUserID string) (string, error) {
	if c.config.CustomerIDResolver != nil {
		return c.config.CustomerIDResolver(ctx, appUserID)
	}

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, appUserID)

	for cust, err := range c.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches; verify exactly.
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == appUserID {
			return cust.ID, nil
		}
	}

	return "", nil
}

// subscriberFromSubscriptions grants the pro entitlement when any active
// subscription carries a mapped price. The v83 Subscription struct does not
// expose current_period_end, so expiry is left unset; the next webhook
// delivery re-derives state anyway.
func subscriberFromSubscriptions(
	appUserID string, subscriptions []*stripe.Subscription, proPrices map[string]bool,
) *billing.Subscriber {
	sub := neutralSubscriber(appUserID)

	for _, s := range subscriptions {
		if s.Status != subscriptionStatusActive || s.Items == nil {
			continue
		}
		for _, item := range s.Items.Data {
			if item.Price == nil || !proPrices[item.Price.ID] {
				continue
			}
			sub.Entitlements[billing.ProEntitlementID] = billing.Entitlement{
				IsActive:          true,
				ProductIdentifier: item.Price.ID,
			}
			return sub
		}
	}

	return sub
}

func neutralSubscriber(appUserID string) *billing.Subscriber {
	return &billing.Subscriber{
		AppUserID:    appUserID,
		Entitlements: map[string]billing.Entitlement{},
	}
}
