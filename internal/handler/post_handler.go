package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/posts"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	SyncPosts(ctx context.Context, tagName string) (*posts.SyncResult, error)
	CachedPosts(ctx context.Context, tagName string, page, perPage int, rating string) (*posts.PostsPage, error)
	SetFavorite(ctx context.Context, postID int64, favorite bool) error
}

// PostHandler は投稿キャッシュのHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// SyncPosts は指定タグの投稿キャッシュをリモートと同期する。
// POST /api/tags/{tagName}/posts/sync
func (h *PostHandler) SyncPosts(w http.ResponseWriter, r *http.Request) {
	tagName := chi.URLParam(r, "tagName")

	result, err := h.service.SyncPosts(r.Context(), tagName)
	if err != nil {
		// 部分的に進んだ結果があってもエラーレスポンスを優先する。
		// 取得済みページはコミット済みなので情報は失われない。
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListPosts はキャッシュ済み投稿のページ分割済みビューを返す。
// GET /api/tags/{tagName}/posts?page=&per_page=&rating=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	tagName := chi.URLParam(r, "tagName")
	q := r.URL.Query()

	page := parseIntOrDefault(q.Get("page"), 1)
	perPage := parseIntOrDefault(q.Get("per_page"), 0)

	result, err := h.service.CachedPosts(r.Context(), tagName, page, perPage, q.Get("rating"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Favorite は投稿をお気に入りに登録する。
// POST /api/posts/{id}/favorite
func (h *PostHandler) Favorite(w http.ResponseWriter, r *http.Request) {
	h.setFavorite(w, r, true)
}

// Unfavorite は投稿のお気に入りを解除する。
// DELETE /api/posts/{id}/favorite
func (h *PostHandler) Unfavorite(w http.ResponseWriter, r *http.Request) {
	h.setFavorite(w, r, false)
}

func (h *PostHandler) setFavorite(w http.ResponseWriter, r *http.Request, favorite bool) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || postID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("投稿idが不正です"))
		return
	}

	if err := h.service.SetFavorite(r.Context(), postID, favorite); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func parseIntOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
