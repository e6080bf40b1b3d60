// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Remote API
	RemoteAPIBaseURL     string // メタデータ・投稿・認証のベースURL
	RemoteUserAPIBaseURL string // フォロー・オートサジェストのベースURL
	FetchTimeout         time.Duration

	// Batch
	WikiBatchSize    int           // wikiメタデータ一括更新のバッチサイズ
	WikiBatchDelay   time.Duration // wikiバッチ間の待機時間
	FollowBatchSize  int           // フォロー・アンフォローのバッチサイズ
	FollowBatchDelay time.Duration // フォローバッチ間の待機時間

	// Posts
	PagePause       time.Duration // 投稿ページ取得間の固定待機時間
	PostCacheTTL    time.Duration // 投稿キャッシュの鮮度ウィンドウ
	DefaultPageSize int

	// Following
	FollowingStaleAfter time.Duration // フォロー状態スナップショットの鮮度ウィンドウ

	// Image Proxy
	ProxyTimeout time.Duration
	ProxyMaxSize int64

	// Export
	PublicBaseURL string // エクスポート時の閲覧用URLのベース

	// Rate Limit
	RateLimitGeneral int // API全般のレート（req/min/クライアント）
	RateLimitSync    int // 同期系操作のレート（req/min/クライアント）

	// Retention
	UnfollowedRetentionMax int // 最近アンフォローしたタグの保持上限
	PostCacheRetentionDays int // 投稿キャッシュの保持日数

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RemoteAPIBaseURL = getEnvString("REMOTE_API_BASE_URL", "https://capi-v2.sankakucomplex.com")
	cfg.RemoteUserAPIBaseURL = getEnvString("REMOTE_USER_API_BASE_URL", "https://sankakuapi.com")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.WikiBatchSize = getEnvInt("WIKI_BATCH_SIZE", 10)
	cfg.WikiBatchDelay = getEnvDuration("WIKI_BATCH_DELAY", 5*time.Second)
	cfg.FollowBatchSize = getEnvInt("FOLLOW_BATCH_SIZE", 2)
	cfg.FollowBatchDelay = getEnvDuration("FOLLOW_BATCH_DELAY", 2*time.Second)
	cfg.PagePause = getEnvDuration("PAGE_PAUSE", 3*time.Second)
	cfg.PostCacheTTL = getEnvDuration("POST_CACHE_TTL", time.Hour)
	cfg.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", 20)
	cfg.FollowingStaleAfter = getEnvDuration("FOLLOWING_STALE_AFTER", 5*time.Minute)
	cfg.ProxyTimeout = getEnvDuration("PROXY_TIMEOUT", 10*time.Second)
	cfg.ProxyMaxSize = getEnvInt64("PROXY_MAX_SIZE", 5242880)
	cfg.PublicBaseURL = getEnvString("PUBLIC_BASE_URL", "https://www.sankakucomplex.com")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 10)
	cfg.UnfollowedRetentionMax = getEnvInt("UNFOLLOWED_RETENTION_MAX", 200)
	cfg.PostCacheRetentionDays = getEnvInt("POST_CACHE_RETENTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
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
