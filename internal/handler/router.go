package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/pantrypilot/internal/events"
	"github.com/hitoshi/pantrypilot/internal/grocery"
	"github.com/hitoshi/pantrypilot/internal/metrics"
	"github.com/hitoshi/pantrypilot/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig

	// ステートマシン
	Session      SessionService
	Entitlements EntitlementService
	RecipeInput  RecipeInputService
	Quota        QuotaSource

	// Webhook
	WebhookSecret string

	// 買い物リストとパントリー
	Grocery     *grocery.Builder
	GroceryList GroceryListService
	Pantry      PantryService

	Events *events.Hub
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → CSRF → SessionContext → RateLimit(General)
//
// /health、/metrics、Webhookはレート制限とCSRFの対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.Session)
	callbackHandler := NewCallbackHandler(deps.Session)
	entHandler := NewEntitlementHandler(deps.Entitlements, deps.WebhookSecret)
	recipeHandler := NewRecipeHandler(deps.RecipeInput, deps.Quota)
	var pantrySource PantrySource
	if deps.Pantry != nil {
		pantrySource = deps.Pantry
	}
	groceryHandler := NewGroceryHandler(deps.Grocery, deps.GroceryList, pantrySource)
	pantryHandler := NewPantryHandler(deps.Pantry)
	eventsHandler := NewEventsHandler(deps.Events, deps.Session, deps.Entitlements, deps.RecipeInput, deps.CORSAllowedOrigin)

	// --- 運用系 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 購入台帳からのWebhook（Bearerで認証） ---
	r.Post("/webhooks/revenuecat", entHandler.Webhook)

	// --- UI向けAPI ---
	// ミドルウェアスタック: CSRF → SessionContext → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(middleware.NewSessionContextMiddleware(deps.Session))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// OAuthリダイレクトの受け口
		r.Get("/auth/callback", callbackHandler.Callback)

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
		r.Get("/api/events", eventsHandler.Stream)

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Post("/initialize", sessionHandler.Initialize)
			r.Post("/signout", sessionHandler.SignOut)
			r.Post("/refresh", sessionHandler.Refresh)
			r.Post("/profile/refresh", sessionHandler.RefreshProfile)
			r.Put("/online", sessionHandler.SetOnline)
			r.Delete("/error", sessionHandler.ClearError)
			r.Post("/google", sessionHandler.BeginGoogle)
			r.Post("/google/complete", sessionHandler.CompleteGoogle)

			// 資格情報を扱うエンドポイントには認証用のレート制限を追加
			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.AuthMiddleware())
				}
				r.Post("/signin", sessionHandler.SignIn)
				r.Post("/signup", sessionHandler.SignUp)
				r.Post("/reset-password", sessionHandler.ResetPassword)
			})
		})

		r.Route("/api/entitlements", func(r chi.Router) {
			r.Get("/", entHandler.Get)
			r.Post("/refresh", entHandler.Refresh)
			r.Post("/restore", entHandler.Restore)
			r.Post("/purchase", entHandler.Purchase)
		})

		r.Route("/api/recipe", func(r chi.Router) {
			r.Get("/input", recipeHandler.GetInput)
			r.Put("/input", recipeHandler.SetInput)
			r.Delete("/input", recipeHandler.ClearInput)
			r.Put("/draft", recipeHandler.SetDraft)
			r.Get("/history", recipeHandler.History)
			r.Post("/history", recipeHandler.AddHistory)
			r.Get("/usage", recipeHandler.Usage)

			// 抽出は利用回数を記録するためセッション必須
			r.With(middleware.NewRequireSessionMiddleware(deps.Session)).Post("/parse", recipeHandler.Parse)
		})

		r.Route("/api/grocery", func(r chi.Router) {
			r.Post("/build", groceryHandler.Build)
			if deps.GroceryList != nil {
				r.Get("/items", groceryHandler.Items)
				r.Delete("/items", groceryHandler.Clear)
				r.Patch("/items/{id}", groceryHandler.Toggle)
				r.Delete("/items/{id}", groceryHandler.Remove)
			}
		})

		if deps.Pantry != nil {
			r.Route("/api/pantry", func(r chi.Router) {
				r.Get("/", pantryHandler.List)
				r.Put("/", pantryHandler.Replace)
				r.Post("/", pantryHandler.Add)
				r.Delete("/", pantryHandler.Clear)
				r.Patch("/{id}", pantryHandler.Update)
				r.Delete("/{id}", pantryHandler.Remove)
			})
		}
	})

	return r
}
