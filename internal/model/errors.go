package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, tag, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAuthTransport      = "AUTH_TRANSPORT"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeTagNotFound        = "TAG_NOT_FOUND"
	ErrCodeTagAlreadyExists   = "TAG_ALREADY_EXISTS"
	ErrCodeTagNotFetched      = "TAG_NOT_FETCHED"
	ErrCodeWikiFetchFailed    = "WIKI_FETCH_FAILED"
	ErrCodeFollowFailed       = "FOLLOW_FAILED"
	ErrCodePostFetchFailed    = "POST_FETCH_FAILED"
	ErrCodeNoPosts            = "NO_POSTS"
	ErrCodeSyncInProgress     = "SYNC_IN_PROGRESS"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
)

// NewInvalidCredentialsError は認証情報拒否エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "認証情報が拒否されました。",
		Category: "auth",
		Action:   "ログインIDとパスワードを確認してください。",
	}
}

// NewAuthTransportError は認証時のネットワーク障害エラーを生成する。
func NewAuthTransportError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthTransport,
		Message:  fmt.Sprintf("認証サーバーへの接続に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ネットワーク状態を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewTokenExpiredError はトークン未保持・失効エラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "アクセストークンが存在しないか失効しています。",
		Category: "auth",
		Action:   "再度ログインしてください。自動リフレッシュは行われません。",
	}
}

// NewTagNotFoundError はタグ未検出エラーを生成する。
func NewTagNotFoundError(tagName string) *APIError {
	return &APIError{
		Code:     ErrCodeTagNotFound,
		Message:  fmt.Sprintf("指定されたタグが見つかりません: %s", tagName),
		Category: "tag",
		Action:   "タグ名を確認してください。",
	}
}

// NewTagAlreadyExistsError はタグ重複エラーを生成する。
// タグ名の一意性判定は大文字小文字を区別しない。
func NewTagAlreadyExistsError(tagName string) *APIError {
	return &APIError{
		Code:     ErrCodeTagAlreadyExists,
		Message:  fmt.Sprintf("タグは既にカタログに存在します: %s", tagName),
		Category: "tag",
		Action:   "既存のタグを確認してください。",
	}
}

// NewTagNotFetchedError はメタデータ未取得のタグへの操作エラーを生成する。
func NewTagNotFetchedError(tagName string) *APIError {
	return &APIError{
		Code:     ErrCodeTagNotFetched,
		Message:  fmt.Sprintf("タグのメタデータが未取得のため操作できません: %s", tagName),
		Category: "tag",
		Action:   "先にwikiメタデータを取得してください。",
	}
}

// NewWikiFetchFailedError はwikiメタデータ取得失敗エラーを生成する。
func NewWikiFetchFailedError(tagName, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWikiFetchFailed,
		Message:  fmt.Sprintf("タグ %s のメタデータ取得に失敗しました: %s", tagName, reason),
		Category: "tag",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewFollowFailedError はフォロー・アンフォロー失敗エラーを生成する。
func NewFollowFailedError(tagName, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFollowFailed,
		Message:  fmt.Sprintf("タグ %s のフォロー状態変更に失敗しました: %s", tagName, reason),
		Category: "tag",
		Action:   "トークンの有効期限を確認し、再度お試しください。",
	}
}

// NewPostFetchFailedError は投稿ページ取得失敗エラーを生成する。
func NewPostFetchFailedError(tagName string, page int, reason string) *APIError {
	return &APIError{
		Code:     ErrCodePostFetchFailed,
		Message:  fmt.Sprintf("タグ %s のページ %d の取得に失敗しました: %s", tagName, page, reason),
		Category: "post",
		Action:   "取得済みページは保存されています。再実行すると続きから取得します。",
	}
}

// NewNoPostsError は投稿なしエラーを生成する。
func NewNoPostsError(tagName string) *APIError {
	return &APIError{
		Code:     ErrCodeNoPosts,
		Message:  fmt.Sprintf("タグ %s には投稿がありません。", tagName),
		Category: "post",
		Action:   "wikiメタデータを更新してpost_countを確認してください。",
	}
}

// NewSyncInProgressError は同一タグへの同期多重起動エラーを生成する。
func NewSyncInProgressError(tagName string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  fmt.Sprintf("タグ %s の投稿同期は既に実行中です。", tagName),
		Category: "post",
		Action:   "実行中の同期が完了するまでお待ちください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト形式を確認してください。",
	}
}
