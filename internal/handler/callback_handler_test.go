package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/session"
)

func TestCallbackHandler_NoQuery_ServesRelayPage(t *testing.T) {
	svc := &mockSessionService{
		completeGoogleFn: func(ctx context.Context, callbackURL string) error {
			t.Error("CompleteGoogle should not be called without a query")
			return nil
		},
	}
	h := NewCallbackHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "/api/session/google/complete") {
		t.Error("relay page should post to the complete endpoint")
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestCallbackHandler_Code_CompletesSignIn(t *testing.T) {
	var got string
	svc := &mockSessionService{
		completeGoogleFn: func(ctx context.Context, callbackURL string) error {
			got = callbackURL
			return nil
		},
	}
	h := NewCallbackHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, httptest.NewRequest(http.MethodGet, "http://localhost:8787/auth/callback?code=abc123", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got != "http://localhost:8787/auth/callback?code=abc123" {
		t.Errorf("callback url = %q", got)
	}
	if !strings.Contains(w.Body.String(), "Signed in.") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackHandler_Cancelled(t *testing.T) {
	svc := &mockSessionService{
		completeGoogleFn: func(ctx context.Context, callbackURL string) error {
			return session.ErrOAuthCancelled
		},
	}
	h := NewCallbackHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback?error=access_denied", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "cancelled") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackHandler_Failure(t *testing.T) {
	svc := &mockSessionService{
		completeGoogleFn: func(ctx context.Context, callbackURL string) error {
			return model.NewAuthError("Failed to establish session")
		},
	}
	h := NewCallbackHandler(svc)

	w := httptest.NewRecorder()
	h.Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback?code=expired", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
