package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/gateway/revenuecat"
	"github.com/hitoshi/pantrypilot/internal/grocery"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/pantry"
	"github.com/hitoshi/pantrypilot/internal/recipeinput"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// --- モック定義 ---

type mockSessionService struct {
	snapshot         session.Snapshot
	initializeFn     func(ctx context.Context) error
	signInFn         func(ctx context.Context, email, password string) error
	signUpFn         func(ctx context.Context, email, password string) error
	signOutFn        func(ctx context.Context) error
	refreshFn        func(ctx context.Context) error
	refreshProfileFn func(ctx context.Context) error
	resetPasswordFn  func(ctx context.Context, email string) error
	beginGoogleFn    func(ctx context.Context) (string, error)
	completeGoogleFn func(ctx context.Context, callbackURL string) error

	cancelled    int
	errorCleared int
	online       *bool
}

func (m *mockSessionService) Snapshot() session.Snapshot { return m.snapshot }

func (m *mockSessionService) Initialize(ctx context.Context) error {
	if m.initializeFn != nil {
		return m.initializeFn(ctx)
	}
	return nil
}

func (m *mockSessionService) SignIn(ctx context.Context, email, password string) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessionService) SignUp(ctx context.Context, email, password string) error {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessionService) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockSessionService) RefreshSession(ctx context.Context) error {
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	return nil
}

func (m *mockSessionService) RefreshProfile(ctx context.Context) error {
	if m.refreshProfileFn != nil {
		return m.refreshProfileFn(ctx)
	}
	return nil
}

func (m *mockSessionService) ResetPassword(ctx context.Context, email string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email)
	}
	return nil
}

func (m *mockSessionService) BeginGoogle(ctx context.Context) (string, error) {
	if m.beginGoogleFn != nil {
		return m.beginGoogleFn(ctx)
	}
	return "", nil
}

func (m *mockSessionService) CompleteGoogle(ctx context.Context, callbackURL string) error {
	if m.completeGoogleFn != nil {
		return m.completeGoogleFn(ctx, callbackURL)
	}
	return nil
}

func (m *mockSessionService) CancelGoogle() { m.cancelled++ }

func (m *mockSessionService) SetOnline(online bool) { m.online = &online }

func (m *mockSessionService) ClearError() { m.errorCleared++ }

type mockEntitlementService struct {
	snapshot   entitlement.Snapshot
	fetchFn    func(ctx context.Context) entitlement.Snapshot
	restoreFn  func(ctx context.Context) error
	purchaseFn func(ctx context.Context, tier model.Tier, storeToken string) error

	webhooks []*revenuecat.WebhookEvent
}

func (m *mockEntitlementService) Snapshot() entitlement.Snapshot { return m.snapshot }

func (m *mockEntitlementService) Fetch(ctx context.Context) entitlement.Snapshot {
	if m.fetchFn != nil {
		return m.fetchFn(ctx)
	}
	return m.snapshot
}

func (m *mockEntitlementService) Restore(ctx context.Context) error {
	if m.restoreFn != nil {
		return m.restoreFn(ctx)
	}
	return nil
}

func (m *mockEntitlementService) Purchase(ctx context.Context, tier model.Tier, storeToken string) error {
	if m.purchaseFn != nil {
		return m.purchaseFn(ctx, tier, storeToken)
	}
	return nil
}

func (m *mockEntitlementService) HandleWebhook(ctx context.Context, ev *revenuecat.WebhookEvent) {
	m.webhooks = append(m.webhooks, ev)
}

type mockRecipeInputService struct {
	snapshot    recipeinput.Snapshot
	setRawFn    func(in model.RawInput) error
	parseFn     func(ctx context.Context, qc recipeinput.QuotaContext) (*model.ExtractionResult, error)
	history     []string
	cleared     int
	draft       string
	lastQuota   recipeinput.QuotaContext
	parseCalled int
}

func (m *mockRecipeInputService) Snapshot() recipeinput.Snapshot { return m.snapshot }

func (m *mockRecipeInputService) SetRawInput(in model.RawInput) error {
	if m.setRawFn != nil {
		return m.setRawFn(in)
	}
	m.snapshot.Status = recipeinput.StatusStaged
	m.snapshot.Input = &in
	return nil
}

func (m *mockRecipeInputService) ClearInput() {
	m.cleared++
	m.snapshot.Status = recipeinput.StatusEmpty
	m.snapshot.Input = nil
}

func (m *mockRecipeInputService) SetDraft(draft string) {
	m.draft = draft
	m.snapshot.Draft = draft
}

func (m *mockRecipeInputService) History() []string { return m.history }

func (m *mockRecipeInputService) AddToHistory(_ context.Context, value string) {
	m.history = append([]string{value}, m.history...)
}

func (m *mockRecipeInputService) ParseCurrentInput(ctx context.Context, qc recipeinput.QuotaContext) (*model.ExtractionResult, error) {
	m.parseCalled++
	m.lastQuota = qc
	if m.parseFn != nil {
		return m.parseFn(ctx, qc)
	}
	return &model.ExtractionResult{Title: "Pancakes"}, nil
}

type stubQuota struct {
	qc recipeinput.QuotaContext
}

func (s stubQuota) QuotaContext() recipeinput.QuotaContext { return s.qc }

func authenticatedSnapshot(userID string) session.Snapshot {
	return session.Snapshot{
		Status:  session.StatusAuthenticated,
		Session: &model.Session{User: model.User{ID: userID, Email: userID + "@example.com"}},
		Online:  true,
	}
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// memItemStore はパントリーと買い物リストのインメモリ保存先。
type memItemStore struct {
	mu      sync.Mutex
	pantry  []model.PantryItem
	grocery []model.GroceryItem
}

func (s *memItemStore) SavePantry(_ context.Context, items []model.PantryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pantry = append([]model.PantryItem{}, items...)
	return nil
}

func (s *memItemStore) LoadPantry(context.Context) ([]model.PantryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PantryItem{}, s.pantry...), nil
}

func (s *memItemStore) SaveGroceryList(_ context.Context, items []model.GroceryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grocery = append([]model.GroceryItem{}, items...)
	return nil
}

func (s *memItemStore) LoadGroceryList(context.Context) ([]model.GroceryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.GroceryItem{}, s.grocery...), nil
}

var (
	_ PantryService      = (*pantry.Service)(nil)
	_ GroceryListService = (*grocery.List)(nil)
	_ SessionService     = (*session.Machine)(nil)
	_ EntitlementService = (*entitlement.Machine)(nil)
	_ RecipeInputService = (*recipeinput.Machine)(nil)
	_ SessionService     = (*mockSessionService)(nil)
	_ EntitlementService = (*mockEntitlementService)(nil)
	_ RecipeInputService = (*mockRecipeInputService)(nil)
)
