// Package app はアプリケーションの起動とワイヤリングを提供する。
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

	"github.com/hitoshi/tagsync/internal/config"
	"github.com/hitoshi/tagsync/internal/database"
	"github.com/hitoshi/tagsync/internal/handler"
	"github.com/hitoshi/tagsync/internal/imageproxy"
	"github.com/hitoshi/tagsync/internal/logger"
	"github.com/hitoshi/tagsync/internal/metrics"
	"github.com/hitoshi/tagsync/internal/middleware"
	"github.com/hitoshi/tagsync/internal/posts"
	"github.com/hitoshi/tagsync/internal/repository"
	"github.com/hitoshi/tagsync/internal/sankaku"
	"github.com/hitoshi/tagsync/internal/security"
	"github.com/hitoshi/tagsync/internal/tag"
	"github.com/hitoshi/tagsync/internal/token"
	"github.com/hitoshi/tagsync/internal/worker/retention"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, cfg.LogLevel)

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
		slog.String("remote_api_base", cfg.RemoteAPIBaseURL),
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
	tokenRepo := repository.NewPostgresTokenRepo(db)
	tagRepo := repository.NewPostgresTagRepo(db)
	postCacheRepo := repository.NewPostgresPostCacheRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. リモートクライアントとトークンストアの初期化
	// クライアントはストアからアクセストークンを受け取り、ストアは
	// クライアント経由で認証する相互参照のため、プロバイダは後から結線する。
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	client := sankaku.NewClient(httpClient, slog.Default(), nil, collector,
		cfg.RemoteAPIBaseURL, cfg.RemoteUserAPIBaseURL)

	tokenStore := token.NewStore(tokenRepo, client, slog.Default())
	client.SetTokenProvider(tokenStore)

	ctx := context.Background()
	if err := tokenStore.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	// 5. タグカタログの初期化
	tagCache := tag.NewCache(tagRepo, slog.Default())
	if err := tagCache.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tag catalog: %w", err)
	}

	tagService := tag.NewService(tagCache, client, slog.Default(), collector, tag.ServiceConfig{
		WikiBatchSize:       cfg.WikiBatchSize,
		WikiBatchDelay:      cfg.WikiBatchDelay,
		FollowBatchSize:     cfg.FollowBatchSize,
		FollowBatchDelay:    cfg.FollowBatchDelay,
		FollowingStaleAfter: cfg.FollowingStaleAfter,
		PublicBaseURL:       cfg.PublicBaseURL,
	})
	tagService.SetPostCacheDropper(postCacheRepo)

	// 6. 画像取得と投稿ページネータの初期化
	ssrfGuard := security.NewSSRFGuard()
	imageFetcher := imageproxy.NewFetcher(ssrfGuard, slog.Default(), collector,
		cfg.ProxyTimeout, cfg.ProxyMaxSize)

	paginator := posts.NewPaginator(postCacheRepo, tagService, client, client,
		imageFetcher, slog.Default(), collector, posts.Config{
			PagePause: cfg.PagePause,
			CacheTTL:  cfg.PostCacheTTL,
			PageSize:  cfg.DefaultPageSize,
		})

	// 7. ルーターの構築
	rateLimiterCfg := middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		SyncRate:        rate.Limit(float64(cfg.RateLimitSync) / 60.0),
		SyncBurst:       cfg.RateLimitSync,
		CleanupInterval: 5 * time.Minute,
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenChecker:      tokenStore,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		AuthService:  tokenStore,
		TagService:   tagService,
		PostService:  paginator,
		ImageFetcher: imageFetcher,

		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、キャッシュ整理ジョブを日次で実行する。
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

	// 2. タグカタログの初期化（アンフォロー履歴の切り詰めに使用）
	tagRepo := repository.NewPostgresTagRepo(db)
	tagCache := tag.NewCache(tagRepo, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tagCache.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tag catalog: %w", err)
	}

	// 3. キャッシュ整理ジョブの初期化
	retentionJob := retention.NewRetentionJob(db, tagCache, slog.Default())
	retentionJob.RetentionDays = cfg.PostCacheRetentionDays
	retentionJob.MaxUnfollowed = cfg.UnfollowedRetentionMax

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("retention_days", retentionJob.RetentionDays),
		slog.Int("max_unfollowed", retentionJob.MaxUnfollowed),
	)

	// 整理ジョブをメインgoroutineで日次実行（ブロッキング）
	retentionJob.Start(ctx, 24*time.Hour)

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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
