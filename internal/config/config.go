package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProfileStrategy はサインアップ後のProfile取得方式を表す。
type ProfileStrategy string

const (
	// ProfileStrategyWait はバックエンドのトリガーによる作成を待ち、固定間隔でポーリングする。
	ProfileStrategyWait ProfileStrategy = "wait"
	// ProfileStrategyUpsert はクライアント側でデフォルト値のProfileをupsertする。
	ProfileStrategyUpsert ProfileStrategy = "upsert"
)

// Platform は購入SDKのキー選択に使うプラットフォーム。
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Auth Gateway (Supabase)
	SupabaseURL      string
	SupabaseAnonKey  string
	OAuthRedirectURL string

	// Entitlement Gateway (RevenueCat)
	Platform                Platform
	RevenueCatAPIKey        string
	RevenueCatBaseURL       string
	RevenueCatWebhookSecret string

	// Profile
	ProfileStrategy     ProfileStrategy
	ProfileWaitAttempts int
	ProfileWaitInterval time.Duration
	FreeMonthlyLimit    int

	// Direct Postgres (optional)
	DatabaseURL string

	// Extraction
	ExtractionURL     string
	ExtractionAPIKey  string
	ExtractionTimeout time.Duration
	ImageMaxSize      int64

	// Local store
	LocalStorePath string

	// Worker
	RefreshSchedule string

	// Server
	ServerPort         string
	CORSAllowedOrigin  string
	RateLimitPerMinute int

	// Logging
	LogLevel string
}

// LoadEnvFile は.envファイルを環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。pathが空またはファイルが存在しない場合は何もしない。
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	if cfg.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}

	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	if cfg.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}

	// 購入SDKのキーはプラットフォームごとに切り替える
	cfg.Platform = Platform(strings.ToLower(getEnvString("PLATFORM", string(PlatformIOS))))
	var keyVar string
	switch cfg.Platform {
	case PlatformIOS:
		keyVar = "REVENUECAT_API_KEY_IOS"
	case PlatformAndroid:
		keyVar = "REVENUECAT_API_KEY_ANDROID"
	default:
		return nil, fmt.Errorf("unsupported PLATFORM: %q (allowed: ios, android)", cfg.Platform)
	}
	cfg.RevenueCatAPIKey = os.Getenv(keyVar)
	if cfg.RevenueCatAPIKey == "" {
		missing = append(missing, keyVar)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ProfileStrategy = ProfileStrategy(strings.ToLower(getEnvString("PROFILE_STRATEGY", string(ProfileStrategyWait))))
	if cfg.ProfileStrategy != ProfileStrategyWait && cfg.ProfileStrategy != ProfileStrategyUpsert {
		return nil, fmt.Errorf("unsupported PROFILE_STRATEGY: %q (allowed: wait, upsert)", cfg.ProfileStrategy)
	}

	// Optional fields with defaults
	cfg.OAuthRedirectURL = getEnvString("OAUTH_REDIRECT_URL", "pantrypilot://auth/callback")
	cfg.RevenueCatWebhookSecret = getEnvString("REVENUECAT_WEBHOOK_SECRET", "")
	cfg.RevenueCatBaseURL = strings.TrimRight(getEnvString("REVENUECAT_BASE_URL", ""), "/")
	cfg.ProfileWaitAttempts = getEnvInt("PROFILE_WAIT_ATTEMPTS", 5)
	cfg.ProfileWaitInterval = getEnvDuration("PROFILE_WAIT_INTERVAL", 300*time.Millisecond)
	cfg.FreeMonthlyLimit = getEnvInt("FREE_MONTHLY_LIMIT", 5)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.ExtractionURL = getEnvString("EXTRACTION_URL", "")
	cfg.ExtractionAPIKey = getEnvString("EXTRACTION_API_KEY", "")
	cfg.ExtractionTimeout = getEnvDuration("EXTRACTION_TIMEOUT", 60*time.Second)
	cfg.ImageMaxSize = getEnvInt64("IMAGE_MAX_SIZE", 10485760)
	cfg.LocalStorePath = getEnvString("LOCAL_STORE_PATH", "pantrypilot.db")
	cfg.RefreshSchedule = getEnvString("REFRESH_SCHEDULE", "@every 10m")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8787")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:8081")
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
