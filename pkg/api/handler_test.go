package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbwatch/entitlements/pkg/billing"
	"github.com/kerbwatch/entitlements/pkg/entitlements"
	"github.com/kerbwatch/entitlements/storage/memory"
)

const (
	testSecret    = "whsec_test"
	testAdminKey  = "admin_key_test"
	testUserID    = "b3f6f9d4-9c1e-4a5b-8f2d-1e7c6a0d9b42"
	testAppUserID = "rc-app-user-1"
)

// stubProvider returns a programmable subscriber state.
type stubProvider struct {
	pro bool
	err error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) GetSubscriber(_ context.Context, appUserID string) (*billing.Subscriber, error) {
	if p.err != nil {
		return nil, p.err
	}
	ents := map[string]billing.Entitlement{}
	if p.pro {
		ents[billing.ProEntitlementID] = billing.Entitlement{IsActive: true}
	}
	return &billing.Subscriber{AppUserID: appUserID, Entitlements: ents}, nil
}

type testEnv struct {
	handler *Handler
	manager *entitlements.Manager
	store   *memory.Storage
}

func newTestEnv(t *testing.T, provider billing.Provider) *testEnv {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.UpsertProfile(context.Background(), &entitlements.Profile{
		ID:                  testUserID,
		RevenueCatAppUserID: testAppUserID,
	}))

	manager, err := entitlements.NewManager(store, entitlements.Config{Provider: provider})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Manager:       manager,
		GetUserID:     FromHeader("X-User-ID"),
		WebhookSecret: testSecret,
		AdminEnabled:  true,
		AdminKey:      testAdminKey,
	})
	require.NoError(t, err)

	return &testEnv{handler: handler, manager: manager, store: store}
}

func webhookBody(eventID, eventType string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":{"id":%q,"type":%q,"app_user_id":%q,"event_timestamp_ms":%d}}`,
		eventID, eventType, testAppUserID, time.Now().UnixMilli()))
}

func postWebhook(env *testEnv, body []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/revenuecat", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	env.handler.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	_, err = NewHandler(Config{GetUserID: FromHeader("X-User-ID")})
	assert.Error(t, err)

	env := newTestEnv(t, &stubProvider{})
	_, err = NewHandler(Config{Manager: env.manager, GetUserID: FromHeader("X-User-ID"), AdminEnabled: true})
	assert.Error(t, err, "admin enabled without a key must be rejected")
}

func TestWebhook_EndToEnd(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})

	rec := postWebhook(env, webhookBody("evt-1", "INITIAL_PURCHASE"), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.True(t, resp.Processed)
	assert.Equal(t, testUserID, resp.UserID)

	// The purchase is now visible on the entitlements endpoint.
	req := httptest.NewRequest(http.MethodGet, "/api/me/entitlements", nil)
	req.Header.Set("X-User-ID", testUserID)
	entRec := httptest.NewRecorder()
	env.handler.EntitlementsHandler().ServeHTTP(entRec, req)
	require.Equal(t, http.StatusOK, entRec.Code)

	var info entitlements.EntitlementInfo
	require.NoError(t, json.Unmarshal(entRec.Body.Bytes(), &info))
	assert.True(t, info.Features.Reports)
	assert.True(t, info.Features.VIN)
	assert.True(t, info.Features.Photos)
	assert.True(t, info.Features.AI)
}

func TestWebhook_Dedupe(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})

	first := postWebhook(env, webhookBody("evt-dup", "RENEWAL"), testSecret)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(env, webhookBody("evt-dup", "RENEWAL"), testSecret)
	require.Equal(t, http.StatusOK, second.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.True(t, resp.Dedupe)
	assert.False(t, resp.Processed)
}

func TestWebhook_AuthFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})

	rec := postWebhook(env, webhookBody("evt-auth", "RENEWAL"), "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	receipts, err := env.manager.ListReceipts(context.Background(), entitlements.ReceiptFilter{})
	require.NoError(t, err)
	assert.Empty(t, receipts, "rejected requests must leave no trace in the ledger")
}

func TestWebhook_MissingAuthRejected(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})

	rec := postWebhook(env, webhookBody("evt-noauth", "RENEWAL"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_NoSecretConfiguredBypassesAuth(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})
	open, err := NewHandler(Config{
		Manager:   env.manager,
		GetUserID: FromHeader("X-User-ID"),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/revenuecat",
		bytes.NewReader(webhookBody("evt-open", "RENEWAL")))
	rec := httptest.NewRecorder()
	open.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "empty secret disables auth for development")
}

func TestWebhook_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"event":{}}`),
		[]byte(`{"event":{"id":"evt-x","type":"RENEWAL"}}`),
		[]byte(`{}`),
	}

	for _, body := range cases {
		rec := postWebhook(env, body, testSecret)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, codeInvalidPayload, resp.Error)
	}

	receipts, err := env.manager.ListReceipts(context.Background(), entitlements.ReceiptFilter{})
	require.NoError(t, err)
	assert.Empty(t, receipts, "validation failures must not write receipts")
}

func TestWebhook_ProcessingErrorStillAcknowledged(t *testing.T) {
	env := newTestEnv(t, &stubProvider{err: errors.New("provider down")})

	rec := postWebhook(env, webhookBody("evt-perr", "RENEWAL"), testSecret)
	require.Equal(t, http.StatusOK, rec.Code, "processing failures must not invite retries")

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, codeProcessingError, resp.Error)
	assert.False(t, resp.Processed)

	receipts, err := env.manager.ListReceipts(context.Background(), entitlements.ReceiptFilter{
		Status: entitlements.ReceiptPending,
	})
	require.NoError(t, err)
	assert.Len(t, receipts, 1, "the failed event must stay recorded for recovery")
}

func TestWebhook_TestEventAcknowledged(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})

	rec := postWebhook(env, webhookBody("evt-test", "TEST"), testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.False(t, resp.Processed)
}

func TestEntitlements_Auth(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/api/me/entitlements", nil)
	rec := httptest.NewRecorder()
	env.handler.EntitlementsHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/me/entitlements", nil)
	req.Header.Set("X-User-ID", "c0ffee00-0000-4000-8000-000000000000")
	rec = httptest.NewRecorder()
	env.handler.EntitlementsHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntitlements_DefaultNeutral(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/api/me/entitlements", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	env.handler.EntitlementsHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info entitlements.EntitlementInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.Features.Reports, "never-purchased profile reads as all features off")
}

func postAdmin(h http.Handler, body interface{}, key string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/admin", bytes.NewReader(b))
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_SetAndRevoke(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})
	pro := true

	rec := postAdmin(env.handler.AdminSetHandler(), adminSetRequest{
		UserID: testUserID, Pro: &pro, Reason: "support comp",
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AdminOverrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.ReceiptID)

	info, err := env.manager.GetFeatures(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, info.Features.Reports)

	rec = postAdmin(env.handler.AdminRevokeHandler(), adminRevokeRequest{
		UserID: testUserID, Reason: "refund issued",
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	info, err = env.manager.GetFeatures(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, info.Features.Reports)

	trail, err := env.manager.AuditTrail(context.Background(), testUserID, 10)
	require.NoError(t, err)
	assert.Len(t, trail, 2, "every override must land in the audit trail")
}

func TestAdmin_Validation(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})
	pro := true

	// Missing pro field
	rec := postAdmin(env.handler.AdminSetHandler(), adminRevokeRequest{
		UserID: testUserID, Reason: "r",
	}, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing reason
	rec = postAdmin(env.handler.AdminSetHandler(), adminSetRequest{
		UserID: testUserID, Pro: &pro,
	}, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown user
	rec = postAdmin(env.handler.AdminSetHandler(), adminSetRequest{
		UserID: "c0ffee00-0000-4000-8000-000000000000", Pro: &pro, Reason: "r",
	}, testAdminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_AuthGates(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})
	pro := true
	body := adminSetRequest{UserID: testUserID, Pro: &pro, Reason: "r"}

	rec := postAdmin(env.handler.AdminSetHandler(), body, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postAdmin(env.handler.AdminSetHandler(), body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Disabled admin surface rejects even valid keys.
	disabled, err := NewHandler(Config{
		Manager:   env.manager,
		GetUserID: FromHeader("X-User-ID"),
	})
	require.NoError(t, err)
	rec = postAdmin(disabled.AdminSetHandler(), body, testAdminKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_Reprocess(t *testing.T) {
	provider := &stubProvider{err: errors.New("provider down")}
	env := newTestEnv(t, provider)

	postWebhook(env, webhookBody("evt-stuck", "RENEWAL"), testSecret)

	provider.err = nil
	provider.pro = true

	rec := postAdmin(env.handler.AdminReprocessHandler(), adminReprocessRequest{
		EventID: "evt-stuck",
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	info, err := env.manager.GetFeatures(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, info.Features.Reports, "reprocess must complete the stuck event")

	rec = postAdmin(env.handler.AdminReprocessHandler(), adminReprocessRequest{
		EventID: "missing",
	}, testAdminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ListReceipts(t *testing.T) {
	env := newTestEnv(t, &stubProvider{pro: true})

	postWebhook(env, webhookBody("evt-a", "INITIAL_PURCHASE"), testSecret)
	postWebhook(env, webhookBody("evt-b", "RENEWAL"), testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/receipts?status=processed", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	env.handler.AdminReceiptsHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var receipts []*entitlements.WebhookReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipts))
	assert.Len(t, receipts, 2)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.HealthHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}
