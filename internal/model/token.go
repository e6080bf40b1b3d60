package model

import "time"

// 有効期限警告のしきい値。
const (
	// AccessTokenWarnThreshold はアクセストークンの残り時間警告しきい値（1時間）。
	AccessTokenWarnThreshold = 3600 * time.Second
	// RefreshTokenWarnThreshold はリフレッシュトークンの残り時間警告しきい値（24時間）。
	RefreshTokenWarnThreshold = 86400 * time.Second
)

// Token はリモートAPIの認証セッションを表す。
// 認証成功時にのみ生成され、失効後はHasToken=falseに無効化される。
// 削除されることはなく、再認証によってのみ上書きされる。
// JSONタグは永続化フォーマット（ローカルストレージ互換）に合わせている。
type Token struct {
	TokenType         string    `json:"token_type"`
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	AccessTokenTTL    int       `json:"access_token_ttl"`  // 秒
	RefreshTokenTTL   int       `json:"refresh_token_ttl"` // 秒
	ExpiryDate        time.Time `json:"expiry_date"`
	RefreshExpiryDate time.Time `json:"refresh_expiry_date"`
	HasToken          bool      `json:"hasToken"`
}

// AccessExpired はアクセストークンが失効しているかを返す。
func (t *Token) AccessExpired(now time.Time) bool {
	return !t.ExpiryDate.IsZero() && !now.Before(t.ExpiryDate)
}

// RefreshExpired はリフレッシュトークンが失効しているかを返す。
func (t *Token) RefreshExpired(now time.Time) bool {
	return !t.RefreshExpiryDate.IsZero() && !now.Before(t.RefreshExpiryDate)
}

// Clone はトークンの複製を返す。
func (t *Token) Clone() *Token {
	c := *t
	return &c
}

// TokenKind は有効期限警告の対象トークン種別を表す。
type TokenKind string

const (
	// TokenKindAccess はアクセストークン。
	TokenKindAccess TokenKind = "access"
	// TokenKindRefresh はリフレッシュトークン。
	TokenKindRefresh TokenKind = "refresh"
)

// ExpiryNotice はトークン有効期限の評価結果を表す。
// 残り時間がしきい値以下、または既に失効している場合に発行される。
type ExpiryNotice struct {
	Kind             TokenKind `json:"kind"`
	Expired          bool      `json:"expired"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Message          string    `json:"message"`
}
