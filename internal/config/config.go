package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 外部コラボレーターのエンドポイント
	IdentityProviderURL string
	LedgerURL           string
	BackendAuthorityURL string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Billing
	ConfirmMaxRetries   int           // リクエスト内での確定リトライ上限
	ConfirmRetryBackoff time.Duration // 確定リトライの初回バックオフ
	SweepInterval       time.Duration // 照合スイープの実行間隔
	SweepMaxRetries     int           // スイープでの確定リトライ上限（超過でsupport_required）
	CollaboratorTimeout time.Duration // コラボレーターHTTP呼び出しのタイムアウト

	// Rate Limit
	RateLimitGeneral int
	RateLimitUpgrade int

	// Avatar
	AvatarMaxSize int64

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IdentityProviderURL = os.Getenv("IDENTITY_PROVIDER_URL")
	if cfg.IdentityProviderURL == "" {
		missing = append(missing, "IDENTITY_PROVIDER_URL")
	}

	cfg.LedgerURL = os.Getenv("LEDGER_URL")
	if cfg.LedgerURL == "" {
		missing = append(missing, "LEDGER_URL")
	}

	cfg.BackendAuthorityURL = os.Getenv("BACKEND_AUTHORITY_URL")
	if cfg.BackendAuthorityURL == "" {
		missing = append(missing, "BACKEND_AUTHORITY_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ConfirmMaxRetries = getEnvInt("CONFIRM_MAX_RETRIES", 3)
	cfg.ConfirmRetryBackoff = getEnvDuration("CONFIRM_RETRY_BACKOFF", time.Second)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.SweepMaxRetries = getEnvInt("SWEEP_MAX_RETRIES", 10)
	cfg.CollaboratorTimeout = getEnvDuration("COLLABORATOR_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpgrade = getEnvInt("RATE_LIMIT_UPGRADE", 5)
	cfg.AvatarMaxSize = getEnvInt64("AVATAR_MAX_SIZE", 2097152)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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
