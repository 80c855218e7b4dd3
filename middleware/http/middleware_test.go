package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kerbwatch/entitlements/pkg/billing"
	"github.com/kerbwatch/entitlements/pkg/entitlements"
	"github.com/kerbwatch/entitlements/storage/memory"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) GetSubscriber(_ context.Context, appUserID string) (*billing.Subscriber, error) {
	return &billing.Subscriber{AppUserID: appUserID}, nil
}

func newTestManager(t *testing.T) *entitlements.Manager {
	t.Helper()

	store := memory.New()
	manager, err := entitlements.NewManager(store, entitlements.Config{Provider: stubProvider{}})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	now := time.Now().UTC()
	_ = store.UpsertProfile(context.Background(), &entitlements.Profile{
		ID: "pro-user",
		Snapshot: &entitlements.Snapshot{
			Version:   entitlements.SnapshotVersion,
			Pro:       true,
			Source:    entitlements.SourceAdmin,
			UpdatedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	_ = store.UpsertProfile(context.Background(), &entitlements.Profile{
		ID:        "free-user",
		CreatedAt: now,
		UpdatedAt: now,
	})
	return manager
}

func testHandler(t *testing.T, cfg Config) http.Handler {
	t.Helper()

	return Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func doRequest(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ProUserPasses(t *testing.T) {
	handler := testHandler(t, Config{
		Manager:   newTestManager(t),
		GetUserID: FromHeader("X-User-ID"),
		Require:   Reports,
	})

	if rec := doRequest(handler, "pro-user"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for pro user, got %d", rec.Code)
	}
}

func TestMiddleware_FreeUserBlocked(t *testing.T) {
	handler := testHandler(t, Config{
		Manager:   newTestManager(t),
		GetUserID: FromHeader("X-User-ID"),
		Require:   AI,
	})

	if rec := doRequest(handler, "free-user"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402 for free user, got %d", rec.Code)
	}
}

func TestMiddleware_UnknownUserFailsClosed(t *testing.T) {
	handler := testHandler(t, Config{
		Manager:   newTestManager(t),
		GetUserID: FromHeader("X-User-ID"),
		Require:   VIN,
	})

	if rec := doRequest(handler, "nobody"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402 for unknown user, got %d", rec.Code)
	}
}

func TestMiddleware_Unauthenticated(t *testing.T) {
	handler := testHandler(t, Config{
		Manager:   newTestManager(t),
		GetUserID: FromHeader("X-User-ID"),
		Require:   Photos,
	})

	if rec := doRequest(handler, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user, got %d", rec.Code)
	}
}

func TestMiddleware_CustomStatusCode(t *testing.T) {
	handler := testHandler(t, Config{
		Manager:                   newTestManager(t),
		GetUserID:                 FromHeader("X-User-ID"),
		Require:                   Reports,
		UpgradeRequiredStatusCode: http.StatusForbidden,
	})

	if rec := doRequest(handler, "free-user"); rec.Code != http.StatusForbidden {
		t.Errorf("Expected custom 403, got %d", rec.Code)
	}
}

func TestMiddleware_OnUpgradeRequiredCallback(t *testing.T) {
	called := false
	handler := testHandler(t, Config{
		Manager:   newTestManager(t),
		GetUserID: FromHeader("X-User-ID"),
		Require:   Reports,
		OnUpgradeRequired: func(w http.ResponseWriter, _ *http.Request, info *entitlements.EntitlementInfo) {
			called = true
			if info.Features.Reports {
				t.Error("Callback should see the failing feature set")
			}
			w.WriteHeader(http.StatusTeapot)
		},
	})

	if rec := doRequest(handler, "free-user"); rec.Code != http.StatusTeapot {
		t.Errorf("Expected callback status, got %d", rec.Code)
	}
	if !called {
		t.Error("OnUpgradeRequired was not called")
	}
}
