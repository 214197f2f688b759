package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	UpgradeRate     rate.Limit    // プランアップグレードのレート（req/sec）。5/60
	UpgradeBurst    int           // プランアップグレードのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/principal、プランアップグレード 5 req/min/principal。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		UpgradeRate:     rate.Limit(5.0 / 60.0), // ~0.083 req/sec
		UpgradeBurst:    5,
		CleanupInterval: 5 * time.Minute,
	}
}

// principalLimiter はプリンシパルごとのレートリミッターとアクセス時刻を保持する。
type principalLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はプリンシパルごとのレート制限を管理する。
// API全般のレート制限とプランアップグレードのレート制限の2種類を提供する。
// アップグレードは決済を伴うため、API全般より厳しい独立した上限を設ける。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*principalLimiter

	upgradeMu       sync.RWMutex
	upgradeLimiters map[string]*principalLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*principalLimiter),
		upgradeLimiters: make(map[string]*principalLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにセッションが含まれている必要がある（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(string(principal))

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("principal", string(principal)),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UpgradeMiddleware はプランアップグレード専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) UpgradeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateUpgradeLimiter(string(principal))

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.UpgradeRate)
				slog.Warn("rate limit exceeded",
					slog.String("principal", string(principal)),
					slog.String("limit_type", "upgrade"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// UpgradeLimiterCount は現在管理されているアップグレードリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) UpgradeLimiterCount() int {
	rl.upgradeMu.RLock()
	defer rl.upgradeMu.RUnlock()
	return len(rl.upgradeLimiters)
}

// getOrCreateGeneralLimiter はプリンシパルのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(principal string) *rate.Limiter {
	rl.generalMu.RLock()
	pl, exists := rl.generalLimiters[principal]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		pl.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return pl.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if pl, exists := rl.generalLimiters[principal]; exists {
		pl.lastAccess = time.Now()
		return pl.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[principal] = &principalLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateUpgradeLimiter はプリンシパルのアップグレードリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateUpgradeLimiter(principal string) *rate.Limiter {
	rl.upgradeMu.RLock()
	pl, exists := rl.upgradeLimiters[principal]
	rl.upgradeMu.RUnlock()

	if exists {
		rl.upgradeMu.Lock()
		pl.lastAccess = time.Now()
		rl.upgradeMu.Unlock()
		return pl.limiter
	}

	rl.upgradeMu.Lock()
	defer rl.upgradeMu.Unlock()

	// ダブルチェック
	if pl, exists := rl.upgradeLimiters[principal]; exists {
		pl.lastAccess = time.Now()
		return pl.limiter
	}

	limiter := rate.NewLimiter(rl.config.UpgradeRate, rl.config.UpgradeBurst)
	rl.upgradeLimiters[principal] = &principalLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for principal, pl := range rl.generalLimiters {
		if now.Sub(pl.lastAccess) > ttl {
			delete(rl.generalLimiters, principal)
		}
	}
	rl.generalMu.Unlock()

	rl.upgradeMu.Lock()
	for principal, pl := range rl.upgradeLimiters {
		if now.Sub(pl.lastAccess) > ttl {
			delete(rl.upgradeLimiters, principal)
		}
	}
	rl.upgradeMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
