package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// Authenticate はログイン交換を実行し、トークンを永続化して返す。
	Authenticate(ctx context.Context, login, password string) (*model.Token, error)
	// CheckExpiry はトークン有効期限を評価し、警告を返す。
	CheckExpiry(ctx context.Context) ([]model.ExpiryNotice, error)
	// Current は現在のトークンを返す。未保持の場合はnil。
	Current() *model.Token
}

// AuthHandler は認証とトークン状態のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// tokenStatusResponse はトークン状態のAPIレスポンス。
// トークン本体は返さない（リモートAPIへの呼び出しはすべてサーバー側で行う）。
type tokenStatusResponse struct {
	HasToken          bool                 `json:"hasToken"`
	ExpiryDate        *time.Time           `json:"expiry_date,omitempty"`
	RefreshExpiryDate *time.Time           `json:"refresh_expiry_date,omitempty"`
	Notices           []model.ExpiryNotice `json:"notices"`
}

// Login はログイン交換を処理する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if req.Login == "" || req.Password == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("loginとpasswordは必須です"))
		return
	}

	token, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(token, nil))
}

// TokenStatus は現在のトークン状態と有効期限警告を返す。
// GET /auth/token
func (h *AuthHandler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	notices, err := h.service.CheckExpiry(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(h.service.Current(), notices))
}

// toTokenStatusResponse はトークンからAPIレスポンスに変換する。
func toTokenStatusResponse(token *model.Token, notices []model.ExpiryNotice) tokenStatusResponse {
	resp := tokenStatusResponse{
		Notices: notices,
	}
	if resp.Notices == nil {
		resp.Notices = []model.ExpiryNotice{}
	}
	if token == nil {
		return resp
	}

	resp.HasToken = token.HasToken
	if !token.ExpiryDate.IsZero() {
		d := token.ExpiryDate
		resp.ExpiryDate = &d
	}
	if !token.RefreshExpiryDate.IsZero() {
		d := token.RefreshExpiryDate
		resp.RefreshExpiryDate = &d
	}

	return resp
}
