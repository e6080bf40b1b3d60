// Package repository はローカル状態の永続化インターフェースを定義する。
// すべての永続化はキーバリューストアへのJSONブロブ全体上書きであり、
// 差分更新は行わない。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
)

// TokenRepository は認証トークンの永続化インターフェース。
type TokenRepository interface {
	// Load は保存済みトークンを取得する。未保存の場合はnilを返す。
	Load(ctx context.Context) (*model.Token, error)

	// Save はトークン全体を上書き保存する。
	Save(ctx context.Context, token *model.Token) error
}

// TagRepository はタグカタログと関連状態の永続化インターフェース。
type TagRepository interface {
	// LoadCatalog はタグカタログ全体を取得する。未保存の場合は空スライスを返す。
	LoadCatalog(ctx context.Context) ([]*model.Tag, error)

	// SaveCatalog はタグカタログ全体を上書き保存する。
	SaveCatalog(ctx context.Context, tags []*model.Tag) error

	// LoadRecentlyUnfollowed は最近アンフォローしたタグの一覧を取得する。
	LoadRecentlyUnfollowed(ctx context.Context) ([]*model.Tag, error)

	// SaveRecentlyUnfollowed は最近アンフォローしたタグの一覧を上書き保存する。
	SaveRecentlyUnfollowed(ctx context.Context, tags []*model.Tag) error

	// LoadLastFollowingFetchTime はフォロー状態を最後に取得した時刻を返す。
	// 未保存の場合はゼロ値を返す。
	LoadLastFollowingFetchTime(ctx context.Context) (time.Time, error)

	// SaveLastFollowingFetchTime はフォロー状態の最終取得時刻を保存する。
	SaveLastFollowingFetchTime(ctx context.Context, t time.Time) error
}

// PostCacheRepository はタグごとの投稿キャッシュの永続化インターフェース。
// エントリはタグ名（小文字）をキーとして一意に保存される。
type PostCacheRepository interface {
	// Load は指定タグのキャッシュエントリを取得する。未保存の場合はnilを返す。
	Load(ctx context.Context, tagName string) (*model.PostCacheEntry, error)

	// Save はキャッシュエントリ全体を上書き保存する。
	Save(ctx context.Context, entry *model.PostCacheEntry) error

	// ListTagNames はキャッシュエントリを持つタグ名の一覧を返す。
	ListTagNames(ctx context.Context) ([]string, error)

	// Delete は指定タグのキャッシュエントリを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, tagName string) error
}
