package handler

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tagsync/internal/model"
)

// ImageFetcherInterface はプロキシハンドラーが必要とする画像取得インターフェース。
type ImageFetcherInterface interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// ProxyHandler はリモート画像のストリーミング中継ハンドラー。
// クライアントが直接リモートへアクセスせずに画像を表示するためのエンドポイント。
type ProxyHandler struct {
	fetcher ImageFetcherInterface
}

// NewProxyHandler はProxyHandlerを生成する。
func NewProxyHandler(fetcher ImageFetcherInterface) *ProxyHandler {
	return &ProxyHandler{fetcher: fetcher}
}

// Proxy はbase64url符号化されたURLの画像を取得して中継する。
// GET /proxy/{encoded}
func (h *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	encoded := chi.URLParam(r, "encoded")
	if encoded == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("URLが指定されていません"))
		return
	}

	rawURL, err := decodeProxyURL(encoded)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("URLの復号に失敗しました"))
		return
	}

	data, contentType, err := h.fetcher.Fetch(r.Context(), rawURL)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "PROXY_FETCH_FAILED",
			Message:  "画像の取得に失敗しました。",
			Category: "system",
			Action:   "URLを確認し、しばらく待ってから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decodeProxyURL はbase64url文字列を復号する。パディングの有無は問わない。
func decodeProxyURL(encoded string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}
