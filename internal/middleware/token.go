package middleware

import (
	"net/http"

	"github.com/hitoshi/tagsync/internal/model"
)

// TokenChecker は有効なリモートセッショントークンの有無を判定する。
type TokenChecker interface {
	HasValidToken() bool
}

// NewTokenGateMiddleware はリモートAPIセッションを必要とするエンドポイントを
// 保護するミドルウェアを返す。有効なトークンがない場合は401を返す。
func NewTokenGateMiddleware(checker TokenChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checker.HasValidToken() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenExpiredError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
