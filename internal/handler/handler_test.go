package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/posts"
	"github.com/hitoshi/tagsync/internal/sankaku"
	"github.com/hitoshi/tagsync/internal/tag"
)

// withURLParam はchiのルートパラメータをリクエストへ注入する。
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) apiErrorResponse {
	t.Helper()
	var body apiErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスのパースに失敗した: %v", err)
	}
	return body
}

// --- 認証ハンドラー ---

// mockAuthService はテスト用のAuthServiceInterfaceモック。
type mockAuthService struct {
	token   *model.Token
	authErr error
	notices []model.ExpiryNotice
}

func (m *mockAuthService) Authenticate(_ context.Context, _, _ string) (*model.Token, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return m.token, nil
}

func (m *mockAuthService) CheckExpiry(_ context.Context) ([]model.ExpiryNotice, error) {
	return m.notices, nil
}

func (m *mockAuthService) Current() *model.Token {
	return m.token
}

func TestLogin_Success(t *testing.T) {
	expiry := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	h := NewAuthHandler(&mockAuthService{
		token: &model.Token{
			HasToken:    true,
			AccessToken: "secret-access",
			ExpiryDate:  expiry,
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"login": "user", "password": "pass"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// トークン本体はレスポンスに含めないこと
	if strings.Contains(rec.Body.String(), "secret-access") {
		t.Error("レスポンスにアクセストークンが含まれている")
	}

	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["hasToken"] != true {
		t.Errorf("hasToken = %v, want true", body["hasToken"])
	}
}

func TestLogin_MissingFields(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"login": "user"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{authErr: model.NewInvalidCredentialsError()})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"login": "user", "password": "wrong"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeErrorResponse(t, rec); body.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %s, want INVALID_CREDENTIALS", body.Code)
	}
}

func TestLogin_TransportFailure(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{authErr: model.NewAuthTransportError("connection refused")})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"login": "user", "password": "pass"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	// ネットワーク障害は認証拒否(401)と区別して502を返す
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestTokenStatus_NoticesNeverNull(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	rec := httptest.NewRecorder()
	h.TokenStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]json.RawMessage
	json.NewDecoder(rec.Body).Decode(&body)
	if string(body["notices"]) == "null" {
		t.Error("noticesはnullではなく空配列を返すべき")
	}
}

// --- タグハンドラー ---

// mockTagService はテスト用のTagServiceInterfaceモック。
type mockTagService struct {
	tags       []*model.Tag
	listErr    error
	addTag     *model.Tag
	addErr     error
	importN    int
	removeErr  error
	summary    *tag.BatchSummary
	syncResult *tag.SyncFollowingSummary

	gotFollow, gotFetch, gotSort string
	gotTagNames                  []string
}

func (m *mockTagService) List(_ context.Context, followFilter, fetchFilter, sortAttr string) ([]*model.Tag, error) {
	m.gotFollow, m.gotFetch, m.gotSort = followFilter, fetchFilter, sortAttr
	return m.tags, m.listErr
}

func (m *mockTagService) FollowingStale() bool { return true }

func (m *mockTagService) RecentlyUnfollowed() []*model.Tag { return nil }

func (m *mockTagService) Remove(_ context.Context, _ string) error { return m.removeErr }

func (m *mockTagService) Add(_ context.Context, _ string) (*model.Tag, error) {
	return m.addTag, m.addErr
}

func (m *mockTagService) Import(_ context.Context, _ string) (int, error) {
	return m.importN, nil
}

func (m *mockTagService) FetchWiki(_ context.Context, _ string) (*model.Tag, error) {
	return m.addTag, m.addErr
}

func (m *mockTagService) RefreshAll(_ context.Context) (*tag.BatchSummary, error) {
	return m.summary, nil
}

func (m *mockTagService) FollowTags(_ context.Context, tagNames []string) (*tag.BatchSummary, error) {
	m.gotTagNames = tagNames
	return m.summary, nil
}

func (m *mockTagService) UnfollowTags(_ context.Context, tagNames []string) (*tag.BatchSummary, error) {
	m.gotTagNames = tagNames
	return m.summary, nil
}

func (m *mockTagService) SyncFollowing(_ context.Context) (*tag.SyncFollowingSummary, error) {
	return m.syncResult, nil
}

func (m *mockTagService) Suggest(_ context.Context, term string) ([]sankaku.Suggestion, error) {
	return []sankaku.Suggestion{{TagName: term + "t"}}, nil
}

func (m *mockTagService) Export(_ context.Context) []tag.ExportedTag { return nil }

func TestListTags_DefaultsFiltersToAll(t *testing.T) {
	svc := &mockTagService{tags: []*model.Tag{{TagName: "cat"}}}
	h := NewTagHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	h.ListTags(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.gotFollow != "all" || svc.gotFetch != "all" {
		t.Errorf("filters = (%s, %s), want (all, all)", svc.gotFollow, svc.gotFetch)
	}

	var body listTagsResponse
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Tags) != 1 || !body.FollowingStale {
		t.Errorf("body = %+v", body)
	}
	// recently_unfollowedはnullではなく空配列
	if body.RecentlyUnfollowed == nil {
		t.Error("recently_unfollowedが正規化されていない")
	}
}

func TestListTags_InvalidFilterReturns400(t *testing.T) {
	h := NewTagHandler(&mockTagService{})

	cases := []string{
		"/api/tags?follow=yes",
		"/api/tags?fetch=2",
	}

	for _, target := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.ListTags(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestAddTag_Returns201(t *testing.T) {
	h := NewTagHandler(&mockTagService{addTag: &model.Tag{TagName: "cat"}})

	req := httptest.NewRequest(http.MethodPost, "/api/tags",
		strings.NewReader(`{"tagName": "cat"}`))
	rec := httptest.NewRecorder()
	h.AddTag(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestAddTag_DuplicateReturns409(t *testing.T) {
	h := NewTagHandler(&mockTagService{addErr: model.NewTagAlreadyExistsError("cat")})

	req := httptest.NewRequest(http.MethodPost, "/api/tags",
		strings.NewReader(`{"tagName": "cat"}`))
	rec := httptest.NewRecorder()
	h.AddTag(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decodeErrorResponse(t, rec); body.Code != model.ErrCodeTagAlreadyExists {
		t.Errorf("code = %s, want TAG_ALREADY_EXISTS", body.Code)
	}
}

func TestImportTags_ReturnsAddedCount(t *testing.T) {
	h := NewTagHandler(&mockTagService{importN: 3})

	req := httptest.NewRequest(http.MethodPost, "/api/tags/import",
		strings.NewReader(`{"text": "a\nb\nc"}`))
	rec := httptest.NewRecorder()
	h.ImportTags(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]int
	json.NewDecoder(rec.Body).Decode(&body)
	if body["added"] != 3 {
		t.Errorf("added = %d, want 3", body["added"])
	}
}

func TestDeleteTag_NotFoundReturns404(t *testing.T) {
	h := NewTagHandler(&mockTagService{removeErr: model.NewTagNotFoundError("ghost")})

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/tags/ghost", nil), "tagName", "ghost")
	rec := httptest.NewRecorder()
	h.DeleteTag(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteTag_Returns204(t *testing.T) {
	h := NewTagHandler(&mockTagService{})

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/tags/cat", nil), "tagName", "cat")
	rec := httptest.NewRecorder()
	h.DeleteTag(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestFollowTags_EmptyTagNamesReturns400(t *testing.T) {
	h := NewTagHandler(&mockTagService{})

	req := httptest.NewRequest(http.MethodPost, "/api/tags/follow",
		strings.NewReader(`{"tagNames": []}`))
	rec := httptest.NewRecorder()
	h.FollowTags(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFollowTags_ReturnsSummary(t *testing.T) {
	svc := &mockTagService{summary: &tag.BatchSummary{Total: 2, SuccessCount: 1, FailCount: 1}}
	h := NewTagHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/tags/follow",
		strings.NewReader(`{"tagNames": ["cat", "dog"]}`))
	rec := httptest.NewRecorder()
	h.FollowTags(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(svc.gotTagNames) != 2 {
		t.Errorf("tagNames = %v", svc.gotTagNames)
	}

	var body tag.BatchSummary
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Total != 2 || body.SuccessCount != 1 {
		t.Errorf("summary = %+v", body)
	}
}

func TestSuggest_RequiresQuery(t *testing.T) {
	h := NewTagHandler(&mockTagService{})

	req := httptest.NewRequest(http.MethodGet, "/api/tags/suggest", nil)
	rec := httptest.NewRecorder()
	h.Suggest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// --- 投稿ハンドラー ---

// mockPostService はテスト用のPostServiceInterfaceモック。
type mockPostService struct {
	syncResult *posts.SyncResult
	syncErr    error
	page       *posts.PostsPage
	listErr    error
	favErr     error

	gotPostID   int64
	gotFavorite bool
}

func (m *mockPostService) SyncPosts(_ context.Context, _ string) (*posts.SyncResult, error) {
	return m.syncResult, m.syncErr
}

func (m *mockPostService) CachedPosts(_ context.Context, _ string, _, _ int, _ string) (*posts.PostsPage, error) {
	return m.page, m.listErr
}

func (m *mockPostService) SetFavorite(_ context.Context, postID int64, favorite bool) error {
	m.gotPostID = postID
	m.gotFavorite = favorite
	return m.favErr
}

func TestSyncPosts_ErrorTakesPrecedenceOverPartialResult(t *testing.T) {
	// 部分的に進んだ結果があってもエラーレスポンスを返す
	svc := &mockPostService{
		syncResult: &posts.SyncResult{TagName: "cat", PagesFetched: 1},
		syncErr:    model.NewPostFetchFailedError("cat", 2, "remote error"),
	}
	h := NewPostHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/tags/cat/posts/sync", nil), "tagName", "cat")
	rec := httptest.NewRecorder()
	h.SyncPosts(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if body := decodeErrorResponse(t, rec); body.Code != model.ErrCodePostFetchFailed {
		t.Errorf("code = %s, want POST_FETCH_FAILED", body.Code)
	}
}

func TestSyncPosts_InProgressReturns409(t *testing.T) {
	h := NewPostHandler(&mockPostService{syncErr: model.NewSyncInProgressError("cat")})

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/tags/cat/posts/sync", nil), "tagName", "cat")
	rec := httptest.NewRecorder()
	h.SyncPosts(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListPosts_NoCacheReturns404(t *testing.T) {
	h := NewPostHandler(&mockPostService{listErr: model.NewNoPostsError("cat")})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/tags/cat/posts", nil), "tagName", "cat")
	rec := httptest.NewRecorder()
	h.ListPosts(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestFavorite_ParsesPostID(t *testing.T) {
	svc := &mockPostService{}
	h := NewPostHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/posts/42/favorite", nil), "id", "42")
	rec := httptest.NewRecorder()
	h.Favorite(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.gotPostID != 42 || !svc.gotFavorite {
		t.Errorf("SetFavorite(%d, %v), want (42, true)", svc.gotPostID, svc.gotFavorite)
	}
}

func TestFavorite_InvalidIDReturns400(t *testing.T) {
	h := NewPostHandler(&mockPostService{})

	for _, id := range []string{"abc", "0", "-1"} {
		req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/posts/"+id+"/favorite", nil), "id", id)
		rec := httptest.NewRecorder()
		h.Favorite(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("id=%s: status = %d, want 400", id, rec.Code)
		}
	}
}

func TestUnfavorite_SendsFalse(t *testing.T) {
	svc := &mockPostService{}
	h := NewPostHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/posts/42/favorite", nil), "id", "42")
	rec := httptest.NewRecorder()
	h.Unfavorite(rec, req)

	if svc.gotFavorite {
		t.Error("お気に入り解除はfavorite=falseで呼ばれるべき")
	}
}

// --- プロキシハンドラー ---

// mockImageFetcher はテスト用のImageFetcherInterfaceモック。
type mockImageFetcher struct {
	data        []byte
	contentType string
	err         error
	gotURL      string
}

func (m *mockImageFetcher) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	m.gotURL = rawURL
	return m.data, m.contentType, m.err
}

func TestProxy_Success(t *testing.T) {
	fetcher := &mockImageFetcher{data: []byte{0x89, 0x50}, contentType: "image/png"}
	h := NewProxyHandler(fetcher)

	encoded := base64.RawURLEncoding.EncodeToString([]byte("https://cdn.example.com/1.png"))
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/proxy/"+encoded, nil), "encoded", encoded)
	rec := httptest.NewRecorder()
	h.Proxy(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if fetcher.gotURL != "https://cdn.example.com/1.png" {
		t.Errorf("復号されたURL = %s", fetcher.gotURL)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %s", got)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Error("Cache-Controlヘッダーが設定されていない")
	}
}

func TestProxy_AcceptsPaddedEncoding(t *testing.T) {
	fetcher := &mockImageFetcher{data: []byte{1}, contentType: "image/png"}
	h := NewProxyHandler(fetcher)

	// パディングありのbase64urlも受け付けること
	encoded := base64.URLEncoding.EncodeToString([]byte("https://cdn.example.com/ab"))
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/proxy/"+encoded, nil), "encoded", encoded)
	rec := httptest.NewRecorder()
	h.Proxy(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestProxy_InvalidEncodingReturns400(t *testing.T) {
	h := NewProxyHandler(&mockImageFetcher{})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/proxy/invalid", nil), "encoded", "!!not-base64!!")
	rec := httptest.NewRecorder()
	h.Proxy(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProxy_FetchFailureReturns502(t *testing.T) {
	h := NewProxyHandler(&mockImageFetcher{err: errors.New("blocked")})

	encoded := base64.RawURLEncoding.EncodeToString([]byte("https://169.254.169.254/meta"))
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/proxy/"+encoded, nil), "encoded", encoded)
	rec := httptest.NewRecorder()
	h.Proxy(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if body := decodeErrorResponse(t, rec); body.Code != "PROXY_FETCH_FAILED" {
		t.Errorf("code = %s, want PROXY_FETCH_FAILED", body.Code)
	}
}
