package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/sankaku"
	"github.com/hitoshi/tagsync/internal/tag"
)

// TagServiceInterface はタグハンドラーが必要とするサービスインターフェース。
type TagServiceInterface interface {
	List(ctx context.Context, followFilter, fetchFilter, sortAttr string) ([]*model.Tag, error)
	FollowingStale() bool
	RecentlyUnfollowed() []*model.Tag
	Add(ctx context.Context, tagName string) (*model.Tag, error)
	Remove(ctx context.Context, tagName string) error
	Import(ctx context.Context, text string) (int, error)
	FetchWiki(ctx context.Context, tagName string) (*model.Tag, error)
	RefreshAll(ctx context.Context) (*tag.BatchSummary, error)
	FollowTags(ctx context.Context, tagNames []string) (*tag.BatchSummary, error)
	UnfollowTags(ctx context.Context, tagNames []string) (*tag.BatchSummary, error)
	SyncFollowing(ctx context.Context) (*tag.SyncFollowingSummary, error)
	Suggest(ctx context.Context, term string) ([]sankaku.Suggestion, error)
	Export(ctx context.Context) []tag.ExportedTag
}

// TagHandler はタグカタログのHTTPハンドラー。
type TagHandler struct {
	service TagServiceInterface
}

// NewTagHandler はTagHandlerを生成する。
func NewTagHandler(service TagServiceInterface) *TagHandler {
	return &TagHandler{service: service}
}

// addTagRequest はタグ追加リクエストのボディ。
type addTagRequest struct {
	TagName string `json:"tagName"`
}

// importTagsRequest はタグ一括取り込みリクエストのボディ。
type importTagsRequest struct {
	Text string `json:"text"`
}

// tagNamesRequest はフォロー・アンフォロー一括操作のボディ。
type tagNamesRequest struct {
	TagNames []string `json:"tagNames"`
}

// listTagsResponse はタグ一覧のAPIレスポンス。
type listTagsResponse struct {
	Tags               []*model.Tag `json:"tags"`
	FollowingStale     bool         `json:"following_stale"`
	RecentlyUnfollowed []*model.Tag `json:"recently_unfollowed"`
}

// ListTags はタグ一覧を返す。
// GET /api/tags?follow=all|true|false&fetch=all|0|1&sort=<attribute>
func (h *TagHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	followFilter := q.Get("follow")
	if followFilter == "" {
		followFilter = "all"
	}
	fetchFilter := q.Get("fetch")
	if fetchFilter == "" {
		fetchFilter = "all"
	}

	if !validFollowFilter(followFilter) || !validFetchFilter(fetchFilter) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("絞り込み条件が不正です"))
		return
	}

	tags, err := h.service.List(r.Context(), followFilter, fetchFilter, q.Get("sort"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if tags == nil {
		tags = []*model.Tag{}
	}

	unfollowed := h.service.RecentlyUnfollowed()
	if unfollowed == nil {
		unfollowed = []*model.Tag{}
	}

	writeJSON(w, http.StatusOK, listTagsResponse{
		Tags:               tags,
		FollowingStale:     h.service.FollowingStale(),
		RecentlyUnfollowed: unfollowed,
	})
}

// AddTag はタグをカタログへ追加する。
// POST /api/tags
func (h *TagHandler) AddTag(w http.ResponseWriter, r *http.Request) {
	var req addTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.TagName == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tagNameは必須です"))
		return
	}

	added, err := h.service.Add(r.Context(), req.TagName)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, added)
}

// ImportTags は行区切りのタグ名一覧を取り込む。
// POST /api/tags/import
func (h *TagHandler) ImportTags(w http.ResponseWriter, r *http.Request) {
	var req importTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.Text == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("textは必須です"))
		return
	}

	added, err := h.service.Import(r.Context(), req.Text)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

// DeleteTag はタグをカタログから削除する。
// DELETE /api/tags/{tagName}
func (h *TagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	tagName := chi.URLParam(r, "tagName")

	if err := h.service.Remove(r.Context(), tagName); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FetchWiki は1タグのメタデータを取得する。
// POST /api/tags/{tagName}/wiki
func (h *TagHandler) FetchWiki(w http.ResponseWriter, r *http.Request) {
	tagName := chi.URLParam(r, "tagName")

	updated, err := h.service.FetchWiki(r.Context(), tagName)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// RefreshAll は未取得の全タグのメタデータを一括取得する。
// POST /api/tags/refresh
func (h *TagHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RefreshAll(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// FollowTags は指定タグ群のフォローを一括登録する。
// POST /api/tags/follow
func (h *TagHandler) FollowTags(w http.ResponseWriter, r *http.Request) {
	h.applyFollow(w, r, h.service.FollowTags)
}

// UnfollowTags は指定タグ群のフォローを一括解除する。
// POST /api/tags/unfollow
func (h *TagHandler) UnfollowTags(w http.ResponseWriter, r *http.Request) {
	h.applyFollow(w, r, h.service.UnfollowTags)
}

func (h *TagHandler) applyFollow(w http.ResponseWriter, r *http.Request, op func(context.Context, []string) (*tag.BatchSummary, error)) {
	var req tagNamesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if len(req.TagNames) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tagNamesは必須です"))
		return
	}

	summary, err := op(r.Context(), req.TagNames)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// SyncFollowing はリモートのフォロー状態をカタログへ同期する。
// POST /api/tags/sync-following
func (h *TagHandler) SyncFollowing(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.SyncFollowing(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Suggest はタグ検索のオートサジェスト候補を返す。
// GET /api/tags/suggest?q=<term>
func (h *TagHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("qは必須です"))
		return
	}

	suggestions, err := h.service.Suggest(r.Context(), term)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []sankaku.Suggestion{}
	}

	writeJSON(w, http.StatusOK, suggestions)
}

// Export はカタログ全体を閲覧用URL付きで返す。
// GET /api/tags/export
func (h *TagHandler) Export(w http.ResponseWriter, r *http.Request) {
	exported := h.service.Export(r.Context())
	if exported == nil {
		exported = []tag.ExportedTag{}
	}

	writeJSON(w, http.StatusOK, exported)
}

func validFollowFilter(v string) bool {
	return v == "all" || v == "true" || v == "false"
}

func validFetchFilter(v string) bool {
	return v == "all" || v == "0" || v == "1"
}
