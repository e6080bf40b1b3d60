package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenChecker      middleware.TokenChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// サービス
	AuthService  AuthServiceInterface
	TagService   TagServiceInterface
	PostService  PostServiceInterface
	ImageFetcher ImageFetcherInterface

	// /metrics のハンドラー。nilの場合はルートを設けない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// 認証系（/auth/*）、ヘルスチェック、プロキシ、メトリクスはトークンゲートの
// 外に配置し、/api/* はトークンゲートで保護する。同期系操作には専用の
// レート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}

	authHandler := NewAuthHandler(deps.AuthService)
	tagHandler := NewTagHandler(deps.TagService)
	postHandler := NewPostHandler(deps.PostService)
	proxyHandler := NewProxyHandler(deps.ImageFetcher)

	// --- トークン不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Post("/login", authHandler.Login)
		r.Get("/token", authHandler.TokenStatus)
	})

	// 画像プロキシはトークン不要（対象URLはSSRFガードで検証される）
	r.With(deps.RateLimiter.GeneralMiddleware()).Get("/proxy/{encoded}", proxyHandler.Proxy)

	// --- トークンが必要なルート ---
	// ミドルウェアスタック: RateLimit(General) → TokenGate
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewTokenGateMiddleware(deps.TokenChecker))

		r.Route("/api/tags", func(r chi.Router) {
			r.Get("/", tagHandler.ListTags)
			r.Post("/", tagHandler.AddTag)
			r.Post("/import", tagHandler.ImportTags)
			r.Get("/suggest", tagHandler.Suggest)
			r.Get("/export", tagHandler.Export)

			// 同期系操作（リモートAPIへの大量アクセスを伴う）には専用の
			// レート制限を追加する
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/refresh", tagHandler.RefreshAll)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/follow", tagHandler.FollowTags)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/unfollow", tagHandler.UnfollowTags)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/sync-following", tagHandler.SyncFollowing)

			r.Route("/{tagName}", func(r chi.Router) {
				r.Delete("/", tagHandler.DeleteTag)
				r.Post("/wiki", tagHandler.FetchWiki)

				r.Get("/posts", postHandler.ListPosts)
				r.With(deps.RateLimiter.SyncMiddleware()).Post("/posts/sync", postHandler.SyncPosts)
			})
		})

		r.Route("/api/posts/{id}", func(r chi.Router) {
			r.Post("/favorite", postHandler.Favorite)
			r.Delete("/favorite", postHandler.Unfavorite)
		})
	})

	return r
}
