// Package sankaku はリモートコンテンツAPIのクライアントを提供する。
// 認証、タグメタデータ、フォロー関係、投稿一覧、お気に入り、
// オートサジェストの各エンドポイント呼び出しを含む。
package sankaku

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/tagsync/internal/model"
)

// userAgent はリモートAPIへ送信するUser-Agentヘッダ。
const userAgent = "Tagsync/1.0 Tag Catalog"

// ErrInvalidCredentials はリモートが認証情報を拒否したことを示す。
// ネットワーク障害とは区別して扱う。
var ErrInvalidCredentials = errors.New("認証情報が拒否されました")

// TokenProvider はbearer認証が必要な呼び出しにアクセストークンを供給する。
// 有効なトークンを保持していない場合はエラーを返す。
type TokenProvider interface {
	AccessToken() (string, error)
}

// StatusRecorder はリモートAPIのHTTPステータスをメトリクスに記録する。
type StatusRecorder interface {
	RecordRemoteHTTPStatus(statusCode int)
}

// AuthResult は認証エンドポイントのレスポンス。
type AuthResult struct {
	Success         bool   `json:"success"`
	TokenType       string `json:"token_type"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	AccessTokenTTL  int    `json:"access_token_ttl"`
	RefreshTokenTTL int    `json:"refresh_token_ttl"`
}

// TagMeta はタグメタデータエンドポイントが返すタグ情報のうち保持する部分集合。
type TagMeta struct {
	ID        int64 `json:"id"`
	PostCount int   `json:"post_count"`
}

// WikiResult はタグメタデータエンドポイントのレスポンス。
// tagとwikiはどちらも省略されうる。
type WikiResult struct {
	Tag  *TagMeta    `json:"tag"`
	Wiki *model.Wiki `json:"wiki"`
}

// FollowingTag はフォロー中タグ一覧の1エントリ。
type FollowingTag struct {
	ID      int64  `json:"id"`
	TagName string `json:"tagName"`
}

// Suggestion はタグ検索オートサジェストの1候補。
type Suggestion struct {
	TagName   string `json:"tagName"`
	PostCount int    `json:"post_count,omitempty"`
}

// Client はリモートコンテンツAPIのクライアント。
// apiBaseはメタデータ・投稿・認証系、userAPIBaseはフォロー・サジェスト系の
// ベースURLを指す（リモートサービスはこの2系統に分かれている）。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	tokens      TokenProvider
	metrics     StatusRecorder
	apiBase     string
	userAPIBase string
}

// NewClient はClientの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewClient(httpClient *http.Client, logger *slog.Logger, tokens TokenProvider, metrics StatusRecorder, apiBase, userAPIBase string) *Client {
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		tokens:      tokens,
		metrics:     metrics,
		apiBase:     apiBase,
		userAPIBase: userAPIBase,
	}
}

// SetTokenProvider はアクセストークンの供給元を設定する。
// トークンストアはこのクライアント経由で認証するため、相互参照の解決用に
// 生成後の差し替えを許す。
func (c *Client) SetTokenProvider(tokens TokenProvider) {
	c.tokens = tokens
}

// Authenticate はログイン交換を実行し、トークン情報を返す。
// リモートが認証情報を拒否した場合はErrInvalidCredentialsを返す。
func (c *Client) Authenticate(ctx context.Context, login, password string) (*AuthResult, error) {
	body, err := json.Marshal(map[string]string{
		"login":    login,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("認証リクエストのエンコードに失敗しました: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.apiBase+"/auth/token", bytes.NewReader(body), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 401/403は認証情報の拒否として扱う
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("認証エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	result := &AuthResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("認証レスポンスのパースに失敗しました: %w", err)
	}

	// successフィールドとトークンの欠落も拒否として扱う
	if !result.Success || result.TokenType == "" || result.AccessToken == "" || result.RefreshToken == "" {
		return nil, ErrInvalidCredentials
	}

	return result, nil
}

// FetchTagWiki はタグのメタデータとwikiペイロードを取得する。
// 認証不要のエンドポイント。
func (c *Client) FetchTagWiki(ctx context.Context, tagName string) (*WikiResult, error) {
	reqURL := c.apiBase + "/tag-and-wiki/name/" + url.PathEscape(tagName)

	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("タグメタデータエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	result := &WikiResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("タグメタデータのパースに失敗しました: %w", err)
	}

	// tagもwikiも無いレスポンスは未検出として扱う
	if result.Tag == nil && result.Wiki == nil {
		return nil, fmt.Errorf("タグ %s のメタデータが見つかりません", tagName)
	}

	return result, nil
}

// FetchFollowings はフォロー中タグの一覧を取得する。bearer認証が必要。
func (c *Client) FetchFollowings(ctx context.Context) ([]FollowingTag, error) {
	resp, err := c.do(ctx, http.MethodGet, c.userAPIBase+"/users/followings?lang=en", nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("フォロー一覧エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var result struct {
		Tags []FollowingTag `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("フォロー一覧のパースに失敗しました: %w", err)
	}

	return result.Tags, nil
}

// Follow は指定タグのフォローを登録する。bearer認証が必要。
// レスポンスにidが含まれない場合は失敗として扱う。
func (c *Client) Follow(ctx context.Context, tagID int64) error {
	resp, err := c.doFollowing(ctx, http.MethodPost, tagID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("フォローエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("フォローレスポンスのパースに失敗しました: %w", err)
	}
	if result.ID == 0 {
		return fmt.Errorf("フォロー登録がidを返しませんでした")
	}

	return nil
}

// Unfollow は指定タグのフォローを解除する。bearer認証が必要。
// レスポンスのsuccessがtrueでない場合は失敗として扱う。
func (c *Client) Unfollow(ctx context.Context, tagID int64) error {
	resp, err := c.doFollowing(ctx, http.MethodDelete, tagID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("アンフォローエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("アンフォローレスポンスのパースに失敗しました: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("アンフォロー解除がsuccessを返しませんでした")
	}

	return nil
}

// FetchPostsPage は指定タグの投稿一覧を1ページ取得する。bearer認証が必要。
// レスポンスは保持対象の部分集合のみデコードする。
func (c *Client) FetchPostsPage(ctx context.Context, tagName string, limit, page int) ([]model.Post, error) {
	q := url.Values{}
	q.Set("lang", "en")
	q.Set("tags", tagName)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	reqURL := c.apiBase + "/posts?" + q.Encode()

	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("投稿エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var posts []model.Post
	if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
		return nil, fmt.Errorf("投稿一覧のパースに失敗しました: %w", err)
	}

	return posts, nil
}

// SetFavorite は投稿のお気に入り状態を変更する。bearer認証が必要。
func (c *Client) SetFavorite(ctx context.Context, postID int64, favorite bool) error {
	method := http.MethodPost
	if !favorite {
		method = http.MethodDelete
	}
	reqURL := fmt.Sprintf("%s/posts/%d/favorite", c.apiBase, postID)

	resp, err := c.do(ctx, method, reqURL, nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("お気に入りエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("お気に入りレスポンスのパースに失敗しました: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("お気に入り変更がsuccessを返しませんでした")
	}

	return nil
}

// Autosuggest はタグ検索のオートサジェスト候補を取得する。認証不要。
func (c *Client) Autosuggest(ctx context.Context, term string) ([]Suggestion, error) {
	reqURL := c.userAPIBase + "/tags/autosuggestCreating?lang=en&tag=" + url.QueryEscape(term)

	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("オートサジェストエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var suggestions []Suggestion
	if err := json.NewDecoder(resp.Body).Decode(&suggestions); err != nil {
		return nil, fmt.Errorf("オートサジェストのパースに失敗しました: %w", err)
	}

	return suggestions, nil
}

// doFollowing はフォロー・アンフォローの共通リクエストを実行する。
// following_idはリモート仕様に合わせて文字列で送信する。
func (c *Client) doFollowing(ctx context.Context, method string, tagID int64) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{
		"following_id": strconv.FormatInt(tagID, 10),
		"type":         "tag",
	})
	if err != nil {
		return nil, fmt.Errorf("フォローリクエストのエンコードに失敗しました: %w", err)
	}

	return c.do(ctx, method, c.userAPIBase+"/users/followings?lang=en", bytes.NewReader(body), true)
}

// do はHTTPリクエストを構築して実行する。
// withBearerがtrueの場合はTokenProviderからアクセストークンを取得して付与する。
func (c *Client) do(ctx context.Context, method, reqURL string, body io.Reader, withBearer bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	if withBearer {
		token, err := c.tokens.AccessToken()
		if err != nil {
			return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("リモートAPIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordRemoteHTTPStatus(resp.StatusCode)
	}

	return resp, nil
}
