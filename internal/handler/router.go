package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/memberclub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ミドルウェア依存
	SessionReconciler middleware.SessionReconciler
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 課金
	BillingService   BillingServiceInterface
	MetadataProvider MetadataProviderInterface
	BalanceProvider  BalanceProviderInterface

	// 会員
	MemberService      MemberServiceInterface
	DelegationVerifier DelegationVerifier
	AvatarProvider     AvatarProviderInterface

	// 投稿
	PostService PostServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// 認証ルート（/auth/*）とサインアップはミドルウェアチェーンの外に配置する。
// セッションゲートを通過するリクエストは毎回バックエンドの会員記録と照合される。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS・セキュリティヘッダー・リクエストログを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	billingHandler := NewBillingHandler(deps.BillingService, deps.MetadataProvider, deps.BalanceProvider)
	memberHandler := NewMemberHandler(deps.MemberService, deps.DelegationVerifier, deps.AvatarProvider)
	postHandler := NewPostHandler(deps.PostService)

	// --- 認証不要のルート ---

	// ヘルスチェック
	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	// Prometheusスクレイプ
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（ログインセレモニー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// CSRFトークン取得
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// サインアップ（会員記録がないとログインできないため、セッションゲートの外）
	r.Post("/api/signup", memberHandler.Signup)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionReconciler))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// 課金・プランアップグレード
		r.Route("/api/billing", func(r chi.Router) {
			r.Get("/metadata", billingHandler.Metadata)
			r.Get("/balance", billingHandler.Balance)
			r.Get("/attempts", billingHandler.ListAttempts)

			// POST /api/billing/upgrade - アップグレード専用レート制限を追加
			r.With(deps.RateLimiter.UpgradeMiddleware()).Post("/upgrade", billingHandler.Upgrade)
		})

		// 会員ディレクトリ
		r.Route("/api/members", func(r chi.Router) {
			r.Get("/", memberHandler.List)

			r.Route("/{principal}", func(r chi.Router) {
				r.Get("/", memberHandler.Get)
				r.Get("/avatar", memberHandler.Avatar)
			})
		})

		// 投稿管理
		r.Route("/api/posts", func(r chi.Router) {
			r.Post("/", postHandler.Create)
			r.Get("/", postHandler.List)
			r.Get("/{id}", postHandler.Get)
		})
	})

	return r
}
