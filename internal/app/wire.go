package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/pantrypilot/internal/config"
	"github.com/hitoshi/pantrypilot/internal/database"
	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/events"
	"github.com/hitoshi/pantrypilot/internal/extraction"
	"github.com/hitoshi/pantrypilot/internal/gateway/revenuecat"
	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/grocery"
	"github.com/hitoshi/pantrypilot/internal/handler"
	"github.com/hitoshi/pantrypilot/internal/localstore"
	"github.com/hitoshi/pantrypilot/internal/metrics"
	"github.com/hitoshi/pantrypilot/internal/middleware"
	"github.com/hitoshi/pantrypilot/internal/pantry"
	"github.com/hitoshi/pantrypilot/internal/recipeinput"
	"github.com/hitoshi/pantrypilot/internal/repository"
	"github.com/hitoshi/pantrypilot/internal/security"
	"github.com/hitoshi/pantrypilot/internal/session"
	"github.com/hitoshi/pantrypilot/internal/worker/refresh"
)

// identifyTimeout はセッション変化に伴うエンタイトルメント再識別の上限時間。
const identifyTimeout = 30 * time.Second

// App はワイヤリング済みのクライアントコア一式。
type App struct {
	Store        *localstore.Store
	Session      *session.Machine
	Entitlements *entitlement.Machine
	RecipeInput  *recipeinput.Machine
	Pantry       *pantry.Service
	GroceryList  *grocery.List
	Hub          *events.Hub
	Scheduler    *refresh.Scheduler
	Router       http.Handler

	logger  *slog.Logger
	limiter *middleware.RateLimiter
	closers []func() error
	unsubs  []func()

	identifyMu   sync.Mutex
	identified   bool
	identifiedID string
	identifyWG   sync.WaitGroup

	closeOnce sync.Once
}

// Build は設定から全依存関係を構築する。
// 認証・購入ゲートウェイには接続せず、ローカルストアのキャッシュのみを読み込む。
// DATABASE_URL設定時は接続確認のみ行い、失敗しても構築は続ける。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// 1. ローカルストア
	store, err := localstore.Open(localstore.Config{Path: cfg.LocalStorePath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. ゲートウェイ
	sb, err := supabase.New(supabase.Config{
		URL:     cfg.SupabaseURL,
		AnonKey: cfg.SupabaseAnonKey,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth gateway: %w", err)
	}
	rc, err := revenuecat.New(revenuecat.Config{
		BaseURL:  cfg.RevenueCatBaseURL,
		APIKey:   cfg.RevenueCatAPIKey,
		Platform: string(cfg.Platform),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlement gateway: %w", err)
	}
	profiles, err := a.profileRepository(ctx, cfg, sb)
	if err != nil {
		return nil, err
	}

	// 4. 抽出サービス
	extractor := extraction.New(extraction.Config{
		BaseURL:      cfg.ExtractionURL,
		APIKey:       cfg.ExtractionAPIKey,
		Timeout:      cfg.ExtractionTimeout,
		ImageMaxSize: cfg.ImageMaxSize,
		Logger:       logger,
	}, security.NewURLGuard())

	// 5. ステートマシン
	a.Session = session.New(sb, profiles, store, collector, session.Config{
		ProfileStrategy:     cfg.ProfileStrategy,
		ProfileWaitAttempts: cfg.ProfileWaitAttempts,
		ProfileWaitInterval: cfg.ProfileWaitInterval,
		OAuthRedirectURL:    cfg.OAuthRedirectURL,
		Logger:              logger,
	})
	a.Entitlements = entitlement.New(rc, store, collector, logger)
	a.RecipeInput = recipeinput.New(extractor, a.Session, store, security.NewTextSanitizer(), collector, logger)

	if err := a.Entitlements.Load(ctx); err != nil {
		logger.Warn("failed to load cached entitlements", slog.String("error", err.Error()))
	}
	if err := a.RecipeInput.Load(ctx); err != nil {
		logger.Warn("failed to load input history", slog.String("error", err.Error()))
	}

	// パントリーと買い物リスト
	a.Pantry = pantry.New(store, logger)
	if err := a.Pantry.Load(ctx); err != nil {
		logger.Warn("failed to load pantry", slog.String("error", err.Error()))
	}
	a.GroceryList = grocery.NewList(store, logger)
	if err := a.GroceryList.Load(ctx); err != nil {
		logger.Warn("failed to load grocery list", slog.String("error", err.Error()))
	}

	// 6. イベント配信
	a.Hub = events.NewHub(logger)
	a.subscribe()

	// 7. 定期リフレッシュ
	job := refresh.NewJob(a.Session, a.Entitlements, logger, 0)
	a.Scheduler, err = refresh.NewScheduler(job, cfg.RefreshSchedule, logger)
	if err != nil {
		return nil, err
	}

	// 8. ルーター
	a.limiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitPerMinute))
	a.Router = handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		HealthChecker:     store,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       a.limiter,
		CSRF:              middleware.CSRFConfig{ExemptPrefixes: []string{"/webhooks/"}},
		Session:           a.Session,
		Entitlements:      a.Entitlements,
		RecipeInput:       a.RecipeInput,
		Quota: quotaSource{
			sessions:     a.Session,
			entitlements: a.Entitlements,
			limit:        cfg.FreeMonthlyLimit,
		},
		WebhookSecret: cfg.RevenueCatWebhookSecret,
		Grocery:       grocery.NewBuilder(0),
		GroceryList:   a.GroceryList,
		Pantry:        a.Pantry,
		Events:        a.Hub,
	})

	return a, nil
}

// profileRepository はDATABASE_URLが設定されていれば直接接続、
// なければPostgREST経由のリポジトリを返す。
func (a *App) profileRepository(ctx context.Context, cfg *config.Config, sb *supabase.Client) (repository.ProfileRepository, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewPostgRESTProfileRepo(sb), nil
	}
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	// 到達できなくてもキャッシュで動作できるため、起動は継続する
	if err := database.Ping(ctx, db); err != nil {
		a.logger.Warn("profile database is unreachable", slog.String("error", err.Error()))
	}
	a.logger.Info("using direct database connection for profiles",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewPostgresProfileRepo(db), nil
}

// subscribe は各ステートマシンの変化をイベントハブに流す。
// セッションのユーザーが変わった場合はエンタイトルメントを再識別する。
func (a *App) subscribe() {
	a.unsubs = append(a.unsubs,
		a.Session.Subscribe(func(s session.Snapshot) {
			a.Hub.Publish(events.TypeSession, s)
			a.identify(s)
		}),
		a.Entitlements.AddListener(func(s entitlement.Snapshot) {
			a.Hub.Publish(events.TypeEntitlement, s)
		}),
		a.RecipeInput.Subscribe(func(s recipeinput.Snapshot) {
			a.Hub.Publish(events.TypeRecipeInput, s)
		}),
	)
}

func (a *App) identify(s session.Snapshot) {
	if s.Loading {
		return
	}
	userID := s.UserID()

	a.identifyMu.Lock()
	if a.identified && userID == a.identifiedID {
		a.identifyMu.Unlock()
		return
	}
	a.identified = true
	a.identifiedID = userID
	a.identifyMu.Unlock()

	// リスナーはステートマシンの通知経路で呼ばれるため、ネットワーク処理は別goroutineで行う
	a.identifyWG.Add(1)
	go func() {
		defer a.identifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), identifyTimeout)
		defer cancel()
		a.Entitlements.Identify(ctx, userID)
	}()
}

// Start は保存済みセッションを復元し、エンタイトルメントを取得してから定期リフレッシュを開始する。
// ctxがキャンセルされるとスケジューラは停止する。
func (a *App) Start(ctx context.Context) {
	if err := a.Session.Initialize(ctx); err != nil && !errors.Is(err, session.ErrSuperseded) {
		a.logger.Warn("session initialization failed", slog.String("error", err.Error()))
	}
	// 復元結果が通知されなかった場合も、起動時に一度は購入台帳へ問い合わせる
	a.identify(a.Session.Snapshot())
	go a.Scheduler.Start(ctx)
}

// Close はイベント購読者を切断し、保持しているリソースを解放する。
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for _, unsub := range a.unsubs {
			unsub()
		}
		if a.Hub != nil {
			a.Hub.Close()
		}
		if a.limiter != nil {
			a.limiter.Stop()
		}
		a.identifyWG.Wait()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// quotaSource は送信時点のエンタイトルメントとProfileから月間クォータの判定材料を組み立てる。
type quotaSource struct {
	sessions     *session.Machine
	entitlements *entitlement.Machine
	limit        int
}

func (q quotaSource) QuotaContext() recipeinput.QuotaContext {
	qc := recipeinput.QuotaContext{
		Flags: q.entitlements.Snapshot().Flags(),
		Limit: q.limit,
	}
	if p := q.sessions.Snapshot().Profile; p != nil {
		qc.MonthlyCount = p.MonthlyRecipeCount
	}
	return qc
}
