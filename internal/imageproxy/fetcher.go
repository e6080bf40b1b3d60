// Package imageproxy はリモート画像のbase64変換取得とストリーミング中継を提供する。
package imageproxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SSRFValidator は取得前のURL検証と安全なHTTPクライアント生成を提供する。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// ProxyMetrics はプロキシ取得の失敗をメトリクスに記録する。
type ProxyMetrics interface {
	RecordProxyFail()
}

// supportedMimeTypes はbase64変換の対象とする画像MIMEタイプ。
// 投稿のfile_typeがこれ以外（動画など）の場合は取得自体を行わない。
var supportedMimeTypes = []string{
	"image/png",
	"image/jpeg",
	"image/jpg",
	"image/gif",
	"image/webp",
}

// Fetcher はリモート画像を取得してbase64文字列に変換する。
// プレビュー画像の添付は本体データ同期のベストエフォート付加機能であり、
// 失敗はすべて空文字列に吸収される。
type Fetcher struct {
	ssrfGuard SSRFValidator
	logger    *slog.Logger
	metrics   ProxyMetrics
	timeout   time.Duration
	maxSize   int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewFetcher(ssrfGuard SSRFValidator, logger *slog.Logger, metrics ProxyMetrics, timeout time.Duration, maxSize int64) *Fetcher {
	return &Fetcher{
		ssrfGuard: ssrfGuard,
		logger:    logger,
		metrics:   metrics,
		timeout:   timeout,
		maxSize:   maxSize,
	}
}

// IsSupportedMime はbase64変換の対象MIMEタイプかを返す。
func IsSupportedMime(mimeType string) bool {
	lower := strings.ToLower(mimeType)
	for _, t := range supportedMimeTypes {
		if lower == t {
			return true
		}
	}
	return false
}

// FetchBase64 は画像を取得してbase64文字列を返す。
// 非対応MIMEの場合はネットワーク呼び出しを行わず空文字列を返す。
// 検証失敗、HTTP障害、サイズ超過もすべて空文字列として扱い、
// エラーは呼び出し元へ伝播させない。
func (f *Fetcher) FetchBase64(ctx context.Context, rawURL, mimeType string) string {
	if !IsSupportedMime(mimeType) {
		return ""
	}

	data, _, err := f.fetch(ctx, rawURL)
	if err != nil {
		f.logger.Warn("プレビュー画像の取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		if f.metrics != nil {
			f.metrics.RecordProxyFail()
		}
		return ""
	}

	// data URIのプレフィックスは付与しない（クライアント側で組み立てる）
	return base64.StdEncoding.EncodeToString(data)
}

// Fetch は画像を取得して生データとContent-Typeを返す。
// プロキシエンドポイントのストリーミング中継で使用する。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	data, contentType, err := f.fetch(ctx, rawURL)
	if err != nil && f.metrics != nil {
		f.metrics.RecordProxyFail()
	}
	return data, contentType, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if rawURL == "" {
		return nil, "", fmt.Errorf("URLが空です")
	}

	if err := f.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, "", fmt.Errorf("URL検証に失敗しました: %w", err)
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("画像エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, "", fmt.Errorf("画像サイズが上限 %d バイトを超えています", f.maxSize)
	}

	contentType := extractMimeType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("画像以外のContent-Typeです: %s", contentType)
	}

	return body, contentType, nil
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	// セミコロンの前の部分（charset等を除去）
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}
