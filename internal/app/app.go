package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/memberclub/internal/backend"
	"github.com/hitoshi/memberclub/internal/billing"
	"github.com/hitoshi/memberclub/internal/config"
	"github.com/hitoshi/memberclub/internal/database"
	"github.com/hitoshi/memberclub/internal/handler"
	"github.com/hitoshi/memberclub/internal/identity"
	"github.com/hitoshi/memberclub/internal/ledger"
	"github.com/hitoshi/memberclub/internal/logger"
	"github.com/hitoshi/memberclub/internal/member"
	"github.com/hitoshi/memberclub/internal/metrics"
	"github.com/hitoshi/memberclub/internal/middleware"
	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/post"
	"github.com/hitoshi/memberclub/internal/repository"
	"github.com/hitoshi/memberclub/internal/security"
	"github.com/hitoshi/memberclub/internal/session"
	"github.com/hitoshi/memberclub/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	attemptRepo := repository.NewPostgresAttemptRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 外部コラボレーターのクライアント初期化
	// コラボレーターごとにレイテンシ計測付きのHTTPクライアントを持つ
	identityClient := identity.NewClient(identity.ClientConfig{
		BaseURL:     cfg.IdentityProviderURL,
		RedirectURL: cfg.BaseURL + "/auth/callback",
	}, collaboratorHTTPClient(cfg, collector, "identity_provider"))

	ledgerClient := ledger.NewClient(
		cfg.LedgerURL,
		collaboratorHTTPClient(cfg, collector, "ledger"),
		slog.Default(),
	)
	metadataCache := ledger.NewMetadataCache(ledgerClient)

	backendClient := backend.NewClient(
		cfg.BackendAuthorityURL,
		collaboratorHTTPClient(cfg, collector, "backend_authority"),
		slog.Default(),
	)

	// 5. セッション状態機械の初期化
	// 状態遷移はNotifier経由でメトリクスに流す
	notifier := session.NewNotifier()
	notifier.Subscribe(func(t model.SessionTransition) {
		collector.RecordSessionTransition(t.To)
	})

	sessionManager := session.NewManager(
		identityClient, backendClient, sessionRepo, notifier,
		slog.Default(), time.Duration(cfg.SessionMaxAge)*time.Second,
	)

	// 6. 課金オーケストレーターの初期化
	orchestrator := billing.NewOrchestrator(
		ledgerClient, metadataCache, backendClient, sessionManager,
		attemptRepo, collector, slog.Default(),
		cfg.ConfirmMaxRetries, cfg.ConfirmRetryBackoff,
	)

	// 7. セキュリティサービスとドメインサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	memberService := member.NewService(backendClient, sanitizer, ssrfGuard, slog.Default())
	avatarFetcher := member.NewAvatarFetcher(
		&http.Client{Timeout: cfg.CollaboratorTimeout},
		ssrfGuard, cfg.AvatarMaxSize,
	)
	postService := post.NewService(backendClient, sanitizer, slog.Default())

	// 8. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = perMinute(cfg.RateLimitGeneral)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.UpgradeRate = perMinute(cfg.RateLimitUpgrade)
	rateLimiterCfg.UpgradeBurst = cfg.RateLimitUpgrade

	deps := &handler.RouterDeps{
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		SessionReconciler: sessionManager,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService: sessionManager,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		BillingService:   orchestrator,
		MetadataProvider: metadataCache,
		BalanceProvider:  ledgerClient,

		MemberService:      memberService,
		DelegationVerifier: identityClient,
		AvatarProvider:     avatarFetcher,

		PostService: postService,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、未確定アップグレード試行の照合スイープを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリとメトリクスの初期化
	attemptRepo := repository.NewPostgresAttemptRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. バックエンド権威クライアントの初期化
	backendClient := backend.NewClient(
		cfg.BackendAuthorityURL,
		collaboratorHTTPClient(cfg, collector, "backend_authority"),
		slog.Default(),
	)

	// 4. 照合スイープの初期化
	sweeper := reconcile.NewSweeper(
		attemptRepo, backendClient, collector, slog.Default(),
		0, cfg.SweepMaxRetries,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("sweep_max_retries", cfg.SweepMaxRetries),
	)

	// 5. メトリクスエンドポイントをバックグラウンドで公開
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	// 6. 終了済み試行のクリーンアップを日次でバックグラウンド実行
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sweeper.CleanupFinished(ctx); err != nil {
					slog.Error("attempt cleanup failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 照合スイープをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// collaboratorHTTPClient はレイテンシ計測付きのコラボレーター用HTTPクライアントを生成する。
func collaboratorHTTPClient(cfg *config.Config, collector *metrics.Collector, collaborator string) *http.Client {
	return &http.Client{
		Timeout:   cfg.CollaboratorTimeout,
		Transport: metrics.InstrumentTransport(nil, collector, collaborator),
	}
}

// perMinute はreq/min値をrate.Limit（req/sec）に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
